package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type signalCall struct {
	pid      int
	gid      int
	graceful bool
}

// fakeGroup records signalling and lets tests script per-pid reactions and
// failures.
type fakeGroup struct {
	mu        sync.Mutex
	calls     []signalCall
	fail      map[int]error
	react     map[int]func(graceful bool)
	assignErr error
}

func (g *fakeGroup) ConfigureSysProcAttr(cmd *exec.Cmd) {}

func (g *fakeGroup) Create() error { return nil }

func (g *fakeGroup) Assign(pid int) (int, error) {
	if g.assignErr != nil {
		return 0, g.assignErr
	}
	return pid, nil
}

func (g *fakeGroup) Signal(pid, gid int, graceful bool) error {
	g.mu.Lock()
	g.calls = append(g.calls, signalCall{pid: pid, gid: gid, graceful: graceful})
	err := g.fail[pid]
	react := g.react[pid]
	g.mu.Unlock()
	if err != nil {
		return err
	}
	if react != nil {
		react(graceful)
	}
	return nil
}

func (g *fakeGroup) Close() error { return nil }

// reactTo installs a per-pid reaction after the pid is known.
func (g *fakeGroup) reactTo(pid int, fn func(graceful bool)) {
	g.mu.Lock()
	if g.react == nil {
		g.react = make(map[int]func(graceful bool))
	}
	g.react[pid] = fn
	g.mu.Unlock()
}

func (g *fakeGroup) signals(pid int) []signalCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]signalCall, 0, len(g.calls))
	for _, c := range g.calls {
		if c.pid == pid {
			out = append(out, c)
		}
	}
	return out
}

// recorder collects events behind a mutex; terminator goroutines dispatch
// concurrently.
type recorder struct {
	mu        sync.Mutex
	lifecycle []LifecycleEvent
	errs      []ErrorEvent
}

func newRecorder(n *notifier) *recorder {
	r := &recorder{}
	n.onLifecycle(func(evt LifecycleEvent) {
		r.mu.Lock()
		r.lifecycle = append(r.lifecycle, evt)
		r.mu.Unlock()
	})
	n.onError(func(evt ErrorEvent) {
		r.mu.Lock()
		r.errs = append(r.errs, evt)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) lifecycleFor(pid int) []LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LifecycleEvent, 0, len(r.lifecycle))
	for _, evt := range r.lifecycle {
		if evt.PID == pid {
			out = append(out, evt)
		}
	}
	return out
}

func (r *recorder) errorsFor(pid int) []ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorEvent, 0, len(r.errs))
	for _, evt := range r.errs {
		if evt.PID == pid {
			out = append(out, evt)
		}
	}
	return out
}

func newTestTerminator(g *fakeGroup, n *notifier, force bool) *terminator {
	return &terminator{groups: g, notifier: n, logger: zap.NewNop(), forceKill: force}
}

func TestTerminateEntryGracefulExit(t *testing.T) {
	e := testEntry(101)
	g := &fakeGroup{react: map[int]func(bool){
		101: func(graceful bool) {
			if graceful {
				e.finish(nil)
			}
		},
	}}
	n := newNotifier()
	rec := newRecorder(n)

	res := newTestTerminator(g, n, true).terminateBatch(context.Background(), []*entry{e}, time.Second)
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 succeeded", res)
	}

	calls := g.signals(101)
	if len(calls) != 1 || !calls[0].graceful {
		t.Fatalf("signals = %+v, want exactly one graceful", calls)
	}
	if calls[0].gid != 0 {
		t.Fatalf("gid = %d, want 0 for an unassigned entry", calls[0].gid)
	}

	events := rec.lifecycleFor(101)
	if len(events) != 1 || events[0].Type != EventTerminated {
		t.Fatalf("events = %+v, want exactly one terminated", events)
	}
}

func TestTerminateEntryEscalatesToForce(t *testing.T) {
	e := testEntry(102)
	g := &fakeGroup{react: map[int]func(bool){
		102: func(graceful bool) {
			if !graceful {
				e.finish(nil)
			}
		},
	}}
	n := newNotifier()
	rec := newRecorder(n)

	res := newTestTerminator(g, n, true).terminateBatch(context.Background(), []*entry{e}, 10*time.Millisecond)
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 succeeded", res)
	}

	calls := g.signals(102)
	if len(calls) != 2 || !calls[0].graceful || calls[1].graceful {
		t.Fatalf("signals = %+v, want graceful then forced", calls)
	}
	if events := rec.lifecycleFor(102); len(events) != 1 || events[0].Type != EventTerminated {
		t.Fatalf("events = %+v, want exactly one terminated", events)
	}
}

func TestTerminateEntryZeroTimeoutStillForces(t *testing.T) {
	e := testEntry(103)
	g := &fakeGroup{react: map[int]func(bool){
		103: func(graceful bool) {
			if !graceful {
				e.finish(nil)
			}
		},
	}}
	n := newNotifier()

	res := newTestTerminator(g, n, true).terminateBatch(context.Background(), []*entry{e}, 0)
	if res.Succeeded != 1 {
		t.Fatalf("result = %+v, want 1 succeeded", res)
	}
	calls := g.signals(103)
	if len(calls) != 2 || calls[1].graceful {
		t.Fatalf("signals = %+v, want escalation to forced despite zero timeout", calls)
	}
}

func TestTerminateEntryForceDisabledFails(t *testing.T) {
	e := testEntry(104)
	g := &fakeGroup{}
	n := newNotifier()
	rec := newRecorder(n)

	res := newTestTerminator(g, n, false).terminateBatch(context.Background(), []*entry{e}, 10*time.Millisecond)
	if res.Succeeded != 0 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 1 failed", res)
	}
	if calls := g.signals(104); len(calls) != 1 || !calls[0].graceful {
		t.Fatalf("signals = %+v, want only the graceful request", calls)
	}
	errs := rec.errorsFor(104)
	if len(errs) != 1 || errs[0].Op != "terminate" {
		t.Fatalf("error events = %+v, want one terminate failure", errs)
	}
}

func TestTerminateBatchFailureDoesNotBlockSiblings(t *testing.T) {
	bad := testEntry(201)
	good := testEntry(202)
	g := &fakeGroup{
		fail: map[int]error{201: errors.New("delivery refused")},
		react: map[int]func(bool){
			202: func(graceful bool) {
				if graceful {
					good.finish(nil)
				}
			},
		},
	}
	n := newNotifier()
	rec := newRecorder(n)

	res := newTestTerminator(g, n, true).terminateBatch(context.Background(), []*entry{bad, good}, time.Second)
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 1 succeeded and 1 failed", res)
	}
	if errs := rec.errorsFor(201); len(errs) != 1 {
		t.Fatalf("error events for failing pid = %+v, want one", errs)
	}
	if events := rec.lifecycleFor(202); len(events) != 1 || events[0].Type != EventTerminated {
		t.Fatalf("events for healthy pid = %+v, want one terminated", events)
	}
}

func TestTerminateEntryAlreadyExitedCountsSucceededQuietly(t *testing.T) {
	e := testEntry(105)
	e.finish(nil)
	if !e.claimExitReport() {
		t.Fatal("fresh entry refused the exit-report claim")
	}
	g := &fakeGroup{}
	n := newNotifier()
	rec := newRecorder(n)

	res := newTestTerminator(g, n, true).terminateBatch(context.Background(), []*entry{e}, time.Second)
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 succeeded", res)
	}
	if calls := g.signals(105); len(calls) != 0 {
		t.Fatalf("signals = %+v, want none for an exited entry", calls)
	}
	if events := rec.lifecycleFor(105); len(events) != 0 {
		t.Fatalf("events = %+v, want none when the exit was already reported", events)
	}
}

func TestTerminateEntryReleasedEntryUntouched(t *testing.T) {
	e := testEntry(106)
	e.release()
	g := &fakeGroup{}
	n := newNotifier()
	rec := newRecorder(n)

	res := newTestTerminator(g, n, true).terminateBatch(context.Background(), []*entry{e}, time.Second)
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want released entry counted succeeded", res)
	}
	if calls := g.signals(106); len(calls) != 0 {
		t.Fatalf("signals = %+v, want none for a released entry", calls)
	}
	if events := rec.lifecycleFor(106); len(events) != 0 {
		t.Fatalf("events = %+v, want none for a released entry", events)
	}
}
