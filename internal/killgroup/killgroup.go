// Package killgroup provides the platform termination domain that child
// processes are placed in so that killing the domain kills every member,
// including descendants the supervisor never tracked.
//
// On Windows the domain is a kernel job object configured with
// JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE: once the last handle closes, the kernel
// terminates any member still running, even when the supervising process was
// itself killed abruptly. On POSIX there is no handle-based equivalent; each
// child is started in its own process group at fork time and signals are
// delivered to the group, reaching children the tracked process spawned
// itself. On both platforms every failure degrades to signalling the direct
// pid, so grouping is an upgrade, never a prerequisite.
package killgroup

import "os/exec"

// Group is a kill-propagating termination domain. Implementations are
// selected per platform at build time and are safe for concurrent use.
type Group interface {
	// ConfigureSysProcAttr prepares cmd so the spawned process lands in its
	// own group. Must be called before cmd starts.
	ConfigureSysProcAttr(cmd *exec.Cmd)

	// Create sets up the shared domain handle on platforms that have one.
	Create() error

	// Assign associates a freshly spawned pid with the domain and returns
	// the resolved group id. A zero id with a nil error means no grouping is
	// in effect and callers fall back to direct-pid signalling. Assignment
	// is attempted once per process and never retried.
	Assign(pid int) (int, error)

	// Signal delivers a graceful stop request or an unconditional kill,
	// preferring group delivery when gid is non-zero. A target that is
	// already gone is not an error.
	Signal(pid, gid int, graceful bool) error

	// Close releases the domain handle. Idempotent. On Windows this is the
	// kill-on-close safety net for any member still alive.
	Close() error
}
