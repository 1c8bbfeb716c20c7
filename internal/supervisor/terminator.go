package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/killgroup"
	"github.com/wardenhq/warden/internal/metrics"
)

// forceKillWait bounds how long the engine watches a forced kill land before
// moving on; the kill itself has already been delivered at that point.
const forceKillWait = 2 * time.Second

// Result aggregates one termination batch. Succeeded counts entries that
// exited or were forcibly killed; Failed counts entries whose signals could
// not be delivered or that outlived a disabled escalation.
type Result struct {
	Succeeded int
	Failed    int
	Duration  time.Duration
}

type outcome int

const (
	outcomeExited outcome = iota
	outcomeForcedKilled
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeExited:
		return "exited"
	case outcomeForcedKilled:
		return "forced_killed"
	default:
		return "failed"
	}
}

// terminator drives the graceful-then-forced escalation across a batch of
// entries, each bounded independently by the same timeout.
type terminator struct {
	groups    killgroup.Group
	notifier  *notifier
	logger    *zap.Logger
	forceKill bool
}

func (t *terminator) terminateBatch(ctx context.Context, entries []*entry, timeout time.Duration) Result {
	started := time.Now()
	var res Result
	if len(entries) == 0 {
		res.Duration = time.Since(started)
		return res
	}

	outcomes := make(chan outcome, len(entries))
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			outcomes <- t.terminateEntry(ctx, e, timeout)
		}(e)
	}
	wg.Wait()
	close(outcomes)

	for oc := range outcomes {
		if oc == outcomeFailed {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}
	res.Duration = time.Since(started)
	return res
}

// terminateEntry walks one entry to a terminal state: graceful signal, wait
// up to timeout, forced kill when enabled. A zero timeout escalates
// immediately. Failures never abort sibling entries.
func (t *terminator) terminateEntry(ctx context.Context, e *entry, timeout time.Duration) outcome {
	started := time.Now()

	// Entries released while the batch formed belong to their caller now.
	if !e.isManaged() {
		return outcomeExited
	}

	e.beginTermination()

	// Already gone; the watcher reported the natural exit.
	if !e.running() {
		return t.record(e, outcomeExited, started)
	}

	if err := t.groups.Signal(e.pid, e.group(), true); err != nil {
		return t.fail(e, started, err)
	}

	grace := time.NewTimer(timeout)
	defer grace.Stop()
	select {
	case <-e.done:
		return t.record(e, outcomeExited, started)
	case <-grace.C:
	case <-ctx.Done():
	}

	if !t.forceKill {
		return t.fail(e, started, fmt.Errorf("pid %d still running after %s grace period", e.pid, timeout))
	}

	if err := t.groups.Signal(e.pid, e.group(), false); err != nil {
		return t.fail(e, started, err)
	}

	// The kill is unconditional; this wait only bounds how long we watch it
	// land.
	kill := time.NewTimer(forceKillWait)
	defer kill.Stop()
	select {
	case <-e.done:
	case <-kill.C:
	case <-ctx.Done():
	}
	return t.record(e, outcomeForcedKilled, started)
}

func (t *terminator) record(e *entry, oc outcome, started time.Time) outcome {
	metrics.ObserveTermination(oc.String(), time.Since(started))
	if e.claimExitReport() {
		t.notifier.emitLifecycle(LifecycleEvent{
			PID:       e.pid,
			Name:      e.name,
			Type:      EventTerminated,
			Timestamp: time.Now(),
		})
	}
	return oc
}

func (t *terminator) fail(e *entry, started time.Time, err error) outcome {
	metrics.ObserveTermination(outcomeFailed.String(), time.Since(started))
	t.logger.Warn("termination failed",
		zap.Int("pid", e.pid),
		zap.String("name", e.name),
		zap.Error(err))
	t.notifier.emitError(ErrorEvent{
		Op:        "terminate",
		PID:       e.pid,
		Err:       err,
		Timestamp: time.Now(),
	})
	return outcomeFailed
}
