package supervisor

import (
	"errors"
	"sync"
)

var (
	// ErrCapacityExceeded reports that the registry is at its configured
	// maximum and no further processes can be admitted.
	ErrCapacityExceeded = errors.New("process capacity exceeded")

	// ErrDuplicatePID reports an attempt to register a pid that is already
	// tracked. It indicates broken spawn sequencing and is always surfaced.
	ErrDuplicatePID = errors.New("pid already registered")
)

// registry is the bounded pid-to-entry table. Process counts are small, so a
// single mutex around a plain map beats anything fancier.
type registry struct {
	mu      sync.Mutex
	max     int
	entries map[int]*entry
}

func newRegistry(max int) *registry {
	return &registry{
		max:     max,
		entries: make(map[int]*entry),
	}
}

func (r *registry) add(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.entries) >= r.max {
		return ErrCapacityExceeded
	}
	if _, ok := r.entries[e.pid]; ok {
		return ErrDuplicatePID
	}
	r.entries[e.pid] = e
	return nil
}

// remove deletes and returns the entry for pid. A missing pid is expected on
// the reaper path and is not an error.
func (r *registry) remove(pid int) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if ok {
		delete(r.entries, pid)
	}
	return e, ok
}

// snapshot returns a point-in-time copy of all entries so walks never race
// concurrent mutation.
func (r *registry) snapshot() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
