package cli

import (
	stdcontext "context"
	"time"

	"github.com/wardenhq/warden/internal/api"
	"github.com/wardenhq/warden/internal/supervisor"
)

// SupervisorController exposes supervisor operations to the HTTP control
// plane.
type SupervisorController struct {
	sup *supervisor.Supervisor
}

// NewSupervisorController wraps a supervisor for use as an api.Controller.
func NewSupervisorController(sup *supervisor.Supervisor) *SupervisorController {
	if sup == nil {
		return nil
	}
	return &SupervisorController{sup: sup}
}

// Processes reports every tracked process, ordered by pid.
func (ctrl *SupervisorController) Processes(ctx stdcontext.Context) ([]api.ProcessReport, error) {
	if err := ctrl.guard(ctx); err != nil {
		return nil, err
	}
	snapshots := ctrl.sup.List()
	reports := make([]api.ProcessReport, 0, len(snapshots))
	for _, snap := range snapshots {
		reports = append(reports, reportFromSnapshot(snap))
	}
	return reports, nil
}

// Stats aggregates registry-wide statistics.
func (ctrl *SupervisorController) Stats(ctx stdcontext.Context) (*api.StatsReport, error) {
	if err := ctrl.guard(ctx); err != nil {
		return nil, err
	}
	st := ctrl.sup.Stats()
	return &api.StatsReport{
		Total:            st.Total,
		Running:          st.Running,
		Exited:           st.Exited,
		TotalMemoryBytes: st.TotalMemoryBytes,
		AverageRuntimeMS: st.AverageRuntime.Milliseconds(),
		GeneratedAt:      time.Now(),
	}, nil
}

// TerminateAll runs the termination protocol over every tracked process. A
// negative timeout selects the supervisor's configured grace period.
func (ctrl *SupervisorController) TerminateAll(ctx stdcontext.Context, timeout time.Duration) (*api.TerminateResult, error) {
	if err := ctrl.guard(ctx); err != nil {
		return nil, err
	}
	if timeout < 0 {
		timeout = ctrl.sup.GracefulTimeout()
	}
	res := ctrl.sup.TerminateAll(ctx, timeout)
	return &api.TerminateResult{
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		DurationMS:  res.Duration.Milliseconds(),
		CompletedAt: time.Now(),
	}, nil
}

// StopProcess releases pid from management without terminating it.
func (ctrl *SupervisorController) StopProcess(ctx stdcontext.Context, pid int) (bool, error) {
	if err := ctrl.guard(ctx); err != nil {
		return false, err
	}
	return ctrl.sup.Stop(pid), nil
}

func (ctrl *SupervisorController) guard(ctx stdcontext.Context) error {
	if ctrl == nil || ctrl.sup == nil {
		return api.ErrSupervisorClosed
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if ctrl.sup.Closed() {
		return api.ErrSupervisorClosed
	}
	return nil
}

func reportFromSnapshot(snap supervisor.ProcessSnapshot) api.ProcessReport {
	return api.ProcessReport{
		PID:        snap.PID,
		Name:       snap.Name,
		Executable: snap.Executable,
		StartedAt:  snap.StartedAt,
		Running:    snap.Running,
		ExitCode:   snap.ExitCode,
		RuntimeMS:  snap.Runtime.Milliseconds(),
	}
}

// Ensure interface compliance at compile time.
var _ api.Controller = (*SupervisorController)(nil)
