package eventmux

import (
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/supervisor"
)

// Record is one entry on the muxed stream. Exactly one of Lifecycle, Error
// and Cleanup is set, except for synthesized drop notices, which carry only
// Source, Dropped and Timestamp.
type Record struct {
	Timestamp time.Time
	// Source labels where the record came from: the process name for
	// lifecycle events, the operation for error events, "cleanup" for
	// cleanup events.
	Source    string
	Lifecycle *supervisor.LifecycleEvent
	Error     *supervisor.ErrorEvent
	Cleanup   *supervisor.CleanupEvent
	Dropped   int
}

// Mux fans supervisor notifications into a single bounded channel so one
// consumer can render them in order. The supervisor dispatches notifications
// synchronously from its management goroutines; when the consumer cannot
// keep up and the buffer would overflow, the mux drops records rather than
// blocking process management, and synthesizes a notice carrying the number
// of discarded entries per source.
type Mux struct {
	out chan Record

	mu      sync.Mutex
	drops   map[string]int
	cancels []func()
	closed  bool
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan Record, size),
		drops: make(map[string]int),
	}
}

// Output exposes the muxed record channel. It closes after Close.
func (m *Mux) Output() <-chan Record {
	return m.out
}

// Subscribe registers the mux on sup's notification channels. Close cancels
// the registrations.
func (m *Mux) Subscribe(sup *supervisor.Supervisor) {
	cancels := []func(){
		sup.OnLifecycle(m.PublishLifecycle),
		sup.OnError(m.PublishError),
		sup.OnCleanup(m.PublishCleanup),
	}
	m.mu.Lock()
	m.cancels = append(m.cancels, cancels...)
	m.mu.Unlock()
}

// PublishLifecycle queues a lifecycle notification.
func (m *Mux) PublishLifecycle(evt supervisor.LifecycleEvent) {
	m.deliver(Record{Timestamp: evt.Timestamp, Source: evt.Name, Lifecycle: &evt})
}

// PublishError queues an error notification.
func (m *Mux) PublishError(evt supervisor.ErrorEvent) {
	m.deliver(Record{Timestamp: evt.Timestamp, Source: evt.Op, Error: &evt})
}

// PublishCleanup queues a cleanup notification.
func (m *Mux) PublishCleanup(evt supervisor.CleanupEvent) {
	m.deliver(Record{Timestamp: evt.Timestamp, Source: "cleanup", Cleanup: &evt})
}

// Close cancels the subscriptions, flushes pending drop notices and closes
// the output channel. Records published concurrently with Close count as
// drops and surface in the flushed notices.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancels := m.cancels
	m.cancels = nil
	pending := m.collectDropsLocked()
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	// Only Close sends after closed is set, so blocking sends are safe; the
	// consumer drains the channel until it closes.
	for source, count := range pending {
		m.out <- synthesizeDropRecord(source, count)
	}
	close(m.out)
}

func (m *Mux) deliver(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if !m.flushPendingLocked(rec.Source) {
		m.drops[rec.Source]++
		return
	}
	if m.trySend(rec) {
		return
	}
	m.drops[rec.Source]++
}

// flushPendingLocked emits the drop notice owed to source before any newer
// record, so the consumer sees the gap where it happened. It reports false
// when the notice itself cannot be sent.
func (m *Mux) flushPendingLocked(source string) bool {
	count := m.drops[source]
	if count == 0 {
		return true
	}
	if !m.trySend(synthesizeDropRecord(source, count)) {
		return false
	}
	delete(m.drops, source)
	return true
}

func (m *Mux) collectDropsLocked() map[string]int {
	if len(m.drops) == 0 {
		return nil
	}
	pending := m.drops
	m.drops = make(map[string]int)
	return pending
}

func (m *Mux) trySend(rec Record) bool {
	select {
	case m.out <- rec:
		return true
	default:
		return false
	}
}

func synthesizeDropRecord(source string, count int) Record {
	return Record{
		Timestamp: time.Now(),
		Source:    source,
		Dropped:   count,
	}
}
