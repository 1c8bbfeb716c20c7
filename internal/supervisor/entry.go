package supervisor

import (
	"os/exec"
	"sync"
	"time"
)

// ProcessSnapshot is a point-in-time view of one managed process. ExitCode
// is nil while the process runs or when no exit status is available.
type ProcessSnapshot struct {
	PID        int
	Name       string
	Executable string
	StartedAt  time.Time
	Running    bool
	ExitCode   *int
	Runtime    time.Duration
}

// entry is the registry record for one spawned process. Liveness and exit
// status are always observed live through the watcher goroutine that owns
// cmd.Wait; no exit timestamp is cached.
type entry struct {
	pid       int
	name      string
	spec      LaunchSpec
	cmd       *exec.Cmd
	startedAt time.Time

	// done closes once the watcher's Wait returns; waitErr is valid after.
	done    chan struct{}
	waitErr error

	mu          sync.Mutex
	gid         int
	managed     bool
	terminating bool
	reported    bool
}

func newEntry(spec LaunchSpec, name string, cmd *exec.Cmd) *entry {
	return &entry{
		pid:       cmd.Process.Pid,
		name:      name,
		spec:      spec.clone(),
		cmd:       cmd,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
		managed:   true,
	}
}

// finish records the Wait result and closes done. Only the watcher calls it.
func (e *entry) finish(err error) {
	e.waitErr = err
	close(e.done)
}

func (e *entry) running() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

func (e *entry) exitCode() (int, bool) {
	select {
	case <-e.done:
	default:
		return 0, false
	}
	if state := e.cmd.ProcessState; state != nil {
		return state.ExitCode(), true
	}
	return 0, false
}

func (e *entry) setGroup(gid int) {
	e.mu.Lock()
	e.gid = gid
	e.mu.Unlock()
}

func (e *entry) group() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gid
}

// beginTermination flags the entry so the exit watcher leaves exit reporting
// to the termination engine.
func (e *entry) beginTermination() {
	e.mu.Lock()
	e.terminating = true
	e.mu.Unlock()
}

func (e *entry) isTerminating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminating
}

// release drops the entry from management. Exits observed afterwards are the
// caller's business and produce no events.
func (e *entry) release() {
	e.mu.Lock()
	e.managed = false
	e.mu.Unlock()
}

func (e *entry) isManaged() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.managed
}

// claimExitReport grants the caller the right to report this entry's end.
// Exactly one claim succeeds per entry, so watchers and the termination
// engine never double-report an exit.
func (e *entry) claimExitReport() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reported {
		return false
	}
	e.reported = true
	return true
}

func (e *entry) snapshot() ProcessSnapshot {
	snap := ProcessSnapshot{
		PID:        e.pid,
		Name:       e.name,
		Executable: e.cmd.Path,
		StartedAt:  e.startedAt,
		Running:    e.running(),
		Runtime:    time.Since(e.startedAt),
	}
	if !snap.Running {
		if code, ok := e.exitCode(); ok {
			snap.ExitCode = &code
		}
	}
	return snap
}
