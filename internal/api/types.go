package api

import (
	stdcontext "context"
	"errors"
	"time"
)

var (
	ErrUnknownProcess   = errors.New("unknown process")
	ErrSupervisorClosed = errors.New("supervisor closed")
)

// ProcessReport describes the runtime state of a single managed process.
type ProcessReport struct {
	PID        int       `json:"pid"`
	Name       string    `json:"name"`
	Executable string    `json:"executable"`
	StartedAt  time.Time `json:"started_at"`
	Running    bool      `json:"running"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	RuntimeMS  int64     `json:"runtime_ms"`
}

// StatsReport aggregates registry-wide statistics.
type StatsReport struct {
	Total            int       `json:"total"`
	Running          int       `json:"running"`
	Exited           int       `json:"exited"`
	TotalMemoryBytes uint64    `json:"total_memory_bytes"`
	AverageRuntimeMS int64     `json:"average_runtime_ms"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// TerminateResult captures the outcome of a terminate-all pass.
type TerminateResult struct {
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	DurationMS  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// StopResult reports whether an explicit removal found its process.
type StopResult struct {
	PID     int  `json:"pid"`
	Removed bool `json:"removed"`
}

// Controller exposes supervisor operations required by control servers.
type Controller interface {
	Processes(stdcontext.Context) ([]ProcessReport, error)
	Stats(stdcontext.Context) (*StatsReport, error)
	// TerminateAll drives the escalation over every tracked process. A
	// negative timeout selects the supervisor's configured grace period.
	TerminateAll(stdcontext.Context, time.Duration) (*TerminateResult, error)
	// StopProcess releases pid from management without terminating it and
	// reports whether an entry was present.
	StopProcess(stdcontext.Context, int) (bool, error)
}
