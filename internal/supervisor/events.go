package supervisor

import "time"

// EventType identifies a lifecycle transition observed for a managed process.
type EventType string

const (
	// EventStarted fires once a process has been spawned and registered.
	EventStarted EventType = "started"
	// EventGroupAssigned fires when a process joins the kill group.
	EventGroupAssigned EventType = "group_assigned"
	// EventExited fires when a process ends on its own, without the
	// supervisor asking it to.
	EventExited EventType = "exited"
	// EventTerminated fires when the termination engine brings a process
	// down, gracefully or by force.
	EventTerminated EventType = "terminated"
	// EventRemoved fires when a caller explicitly releases a process from
	// management without terminating it.
	EventRemoved EventType = "removed"
)

// LifecycleEvent is delivered to lifecycle listeners. Exactly one of
// EventExited or EventTerminated is reported per process exit.
type LifecycleEvent struct {
	PID       int
	Name      string
	Type      EventType
	Timestamp time.Time
}

// ErrorEvent reports a non-fatal failure encountered while managing a
// process. PID is zero when no single process is involved.
type ErrorEvent struct {
	Op        string
	PID       int
	Err       error
	Timestamp time.Time
}

// CleanupEvent summarizes one completed terminate-all pass.
type CleanupEvent struct {
	Succeeded int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}
