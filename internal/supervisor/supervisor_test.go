package supervisor

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("supervisor tests spawn /bin/sh processes")
	}
}

func newTestSupervisor(t *testing.T, cfg Config, opts ...Option) *Supervisor {
	t.Helper()
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// eventSink buffers notifications so tests can wait on them without racing
// the emitting goroutines.
type eventSink struct {
	lifecycle chan LifecycleEvent
	errs      chan ErrorEvent
	cleanups  chan CleanupEvent
}

func attachSink(s *Supervisor) *eventSink {
	sink := &eventSink{
		lifecycle: make(chan LifecycleEvent, 64),
		errs:      make(chan ErrorEvent, 64),
		cleanups:  make(chan CleanupEvent, 64),
	}
	s.OnLifecycle(func(evt LifecycleEvent) { sink.lifecycle <- evt })
	s.OnError(func(evt ErrorEvent) { sink.errs <- evt })
	s.OnCleanup(func(evt CleanupEvent) { sink.cleanups <- evt })
	return sink
}

func (s *eventSink) waitLifecycle(t *testing.T, pid int, typ EventType) LifecycleEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-s.lifecycle:
			if (pid == 0 || evt.PID == pid) && evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event for pid %d", typ, pid)
		}
	}
}

func (s *eventSink) waitCleanup(t *testing.T) CleanupEvent {
	t.Helper()
	select {
	case evt := <-s.cleanups:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cleanup event")
	}
	return CleanupEvent{}
}

func requireGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		alive, err := process.PidExists(int32(pid))
		if err == nil && !alive {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pid %d is still alive", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func requireAlive(t *testing.T, pid int) {
	t.Helper()
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		t.Fatalf("check pid %d: %v", pid, err)
	}
	if !alive {
		t.Fatalf("pid %d is not running", pid)
	}
}

func TestStartListsProcessExactlyOnce(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{ForceKillOnTimeout: true, UseProcessGroups: true})
	sink := attachSink(s)

	proc, err := s.Start(context.Background(), LaunchSpec{Name: "web", Command: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sink.waitLifecycle(t, proc.PID(), EventStarted)

	snaps := s.List()
	if len(snaps) != 1 {
		t.Fatalf("list = %d entries, want 1", len(snaps))
	}
	snap := snaps[0]
	if snap.PID != proc.PID() || snap.Name != "web" || !snap.Running {
		t.Fatalf("snapshot = %+v, want running entry for pid %d", snap, proc.PID())
	}
	if snap.StartedAt.IsZero() || snap.ExitCode != nil {
		t.Fatalf("snapshot = %+v, want start time and no exit code", snap)
	}

	if !s.Stop(proc.PID()) {
		t.Fatal("stop of a tracked pid returned false")
	}
	sink.waitLifecycle(t, proc.PID(), EventRemoved)
	if got := s.List(); len(got) != 0 {
		t.Fatalf("list after stop = %d entries, want 0", len(got))
	}
	if s.Stop(proc.PID()) {
		t.Fatal("second stop of the same pid returned true")
	}

	// The caller owns the process after Stop; clean it up ourselves.
	requireAlive(t, proc.PID())
	osProc, err := os.FindProcess(proc.PID())
	if err == nil {
		_ = osProc.Kill()
	}
}

func TestStartRequiresCommand(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	if _, err := s.Start(context.Background(), LaunchSpec{}); err == nil {
		t.Fatal("expected start without a command to fail")
	}
}

func TestStartSpawnFailureSurfaced(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{})
	_, err := s.Start(context.Background(), LaunchSpec{Command: []string{"/definitely/not/a/real/binary"}})
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	if got := s.List(); len(got) != 0 {
		t.Fatalf("failed spawn left %d registry entries", len(got))
	}
}

func TestStartCapacityExceeded(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{MaxProcesses: 1, ForceKillOnTimeout: true, UseProcessGroups: true})

	first, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err = s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("second start returned %v, want ErrCapacityExceeded", err)
	}

	if got := s.List(); len(got) != 1 || got[0].PID != first.PID() {
		t.Fatalf("list = %+v, want only the first process", got)
	}
	requireAlive(t, first.PID())
}

func TestStartAfterCloseReturnsErrClosed(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close returned %v, want ErrClosed", err)
	}
}

func TestStopUnknownPIDFiresNoEvent(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	var fired atomic.Int32
	s.OnLifecycle(func(LifecycleEvent) { fired.Add(1) })

	if s.Stop(999999) {
		t.Fatal("stop of an unknown pid returned true")
	}
	time.Sleep(50 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Fatalf("%d lifecycle events fired for an unknown pid, want 0", n)
	}
}

func TestTerminateAllKillsStubbornProcess(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{ForceKillOnTimeout: true, UseProcessGroups: true})
	sink := attachSink(s)

	proc, err := s.Start(context.Background(), LaunchSpec{
		Name:    "stubborn",
		Command: []string{"/bin/sh", "-c", `trap '' TERM; sleep 30`},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sink.waitLifecycle(t, proc.PID(), EventStarted)

	res := s.TerminateAll(context.Background(), 200*time.Millisecond)
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 succeeded", res)
	}
	requireGone(t, proc.PID())
	sink.waitLifecycle(t, proc.PID(), EventTerminated)

	evt := sink.waitCleanup(t)
	if evt.Succeeded != 1 || evt.Failed != 0 {
		t.Fatalf("cleanup event = %+v, want 1 succeeded", evt)
	}
	if got := s.List(); len(got) != 0 {
		t.Fatalf("list after terminate = %d entries, want 0", len(got))
	}
}

func TestTerminateAllZeroTimeoutStillKills(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{ForceKillOnTimeout: true, UseProcessGroups: true})

	proc, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	res := s.TerminateAll(context.Background(), 0)
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 succeeded", res)
	}
	requireGone(t, proc.PID())
}

func TestTerminateAllIdempotent(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{ForceKillOnTimeout: true, UseProcessGroups: true})

	if _, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := s.TerminateAll(context.Background(), 5*time.Second)
	if first.Succeeded != 1 {
		t.Fatalf("first pass = %+v, want 1 succeeded", first)
	}
	second := s.TerminateAll(context.Background(), 5*time.Second)
	if second.Succeeded != 0 || second.Failed != 0 {
		t.Fatalf("second pass = %+v, want empty counts", second)
	}
}

func TestReapRemovesNaturallyExitedProcess(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{
		ReapInterval:       25 * time.Millisecond,
		AutoReap:           true,
		ForceKillOnTimeout: true,
		UseProcessGroups:   true,
	})
	sink := attachSink(s)

	proc, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "0"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Natural exit reports Exited, never Terminated.
	evt := sink.waitLifecycle(t, proc.PID(), EventExited)
	if evt.Type != EventExited {
		t.Fatalf("event type = %s, want exited", evt.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.List()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("entry for pid %d not reaped, list = %+v", proc.PID(), s.List())
		}
		time.Sleep(10 * time.Millisecond)
	}

	res := s.TerminateAll(context.Background(), time.Second)
	if res.Succeeded != 0 || res.Failed != 0 {
		t.Fatalf("terminate after reap = %+v, want empty counts", res)
	}

	// The exit must have been reported exactly once, and never as terminated.
	for {
		select {
		case evt := <-sink.lifecycle:
			if evt.PID == proc.PID() && (evt.Type == EventExited || evt.Type == EventTerminated) {
				t.Fatalf("extra exit-style event %s for pid %d", evt.Type, evt.PID)
			}
		default:
			return
		}
	}
}

func TestManualReap(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{AutoReap: false, ForceKillOnTimeout: true, UseProcessGroups: true})
	sink := attachSink(s)

	proc, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "0"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sink.waitLifecycle(t, proc.PID(), EventExited)

	if n := s.Reap(); n != 1 {
		t.Fatalf("reap = %d, want 1", n)
	}
	if n := s.Reap(); n != 0 {
		t.Fatalf("second reap = %d, want 0", n)
	}
	if got := s.List(); len(got) != 0 {
		t.Fatalf("list after reap = %d entries, want 0", len(got))
	}
}

func TestCloseConcurrentTearsDownOnce(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{GracefulTimeout: time.Second, ForceKillOnTimeout: true, UseProcessGroups: true})
	sink := attachSink(s)

	proc, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()

	requireGone(t, proc.PID())
	sink.waitCleanup(t)
	select {
	case evt := <-sink.cleanups:
		t.Fatalf("second cleanup event %+v after concurrent close", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShutdownContextTriggersTeardown(t *testing.T) {
	skipOnWindows(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestSupervisor(t, Config{GracefulTimeout: time.Second, ForceKillOnTimeout: true, UseProcessGroups: true},
		WithShutdownContext(ctx))
	sink := attachSink(s)

	proc, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	cancel()

	sink.waitCleanup(t)
	requireGone(t, proc.PID())
	if _, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after shutdown trigger returned %v, want ErrClosed", err)
	}
}

func TestStrictErrorsFailStartOnAssignFailure(t *testing.T) {
	skipOnWindows(t)

	assignErr := errors.New("job refused")
	g := &fakeGroup{assignErr: assignErr}
	s := newTestSupervisor(t, Config{StrictErrors: true, ForceKillOnTimeout: true}, withKillGroup(g))

	var started atomic.Int32
	s.OnLifecycle(func(evt LifecycleEvent) {
		if evt.Type == EventStarted {
			started.Add(1)
		}
	})

	_, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}})
	if !errors.Is(err, assignErr) {
		t.Fatalf("start returned %v, want wrapped assign error", err)
	}
	if got := s.List(); len(got) != 0 {
		t.Fatalf("list = %d entries after failed strict start, want 0", len(got))
	}
	if n := started.Load(); n != 0 {
		t.Fatalf("%d started events for a rejected process, want 0", n)
	}
}

func TestLenientAssignFailureFallsBackToDirectPid(t *testing.T) {
	skipOnWindows(t)

	g := &fakeGroup{assignErr: errors.New("job refused")}
	s := newTestSupervisor(t, Config{ForceKillOnTimeout: true}, withKillGroup(g))
	sink := attachSink(s)

	proc, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sink.waitLifecycle(t, proc.PID(), EventStarted)

	select {
	case evt := <-sink.errs:
		if evt.Op != "assign" || evt.PID != proc.PID() {
			t.Fatalf("error event = %+v, want assign failure for pid %d", evt, proc.PID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the assign error event")
	}

	// The fake group does not deliver real signals; make the forced phase
	// actually kill so the escalation can finish.
	g.reactTo(proc.PID(), func(graceful bool) {
		if !graceful {
			if p, err := os.FindProcess(proc.PID()); err == nil {
				_ = p.Kill()
			}
		}
	})

	res := s.TerminateAll(context.Background(), 10*time.Millisecond)
	if res.Succeeded != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 succeeded", res)
	}

	calls := g.signals(proc.PID())
	if len(calls) != 2 {
		t.Fatalf("signals = %+v, want graceful then forced", calls)
	}
	for _, c := range calls {
		if c.gid != 0 {
			t.Fatalf("signal used gid %d, want 0 after failed assignment", c.gid)
		}
	}
}

func TestProcWaitAndExitCode(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{AutoReap: false, ForceKillOnTimeout: true, UseProcessGroups: true})

	proc, err := s.Start(context.Background(), LaunchSpec{Command: []string{"/bin/sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := proc.Wait(context.Background()); err == nil {
		t.Fatal("wait on a non-zero exit returned nil")
	}
	snap := proc.Snapshot()
	if snap.Running {
		t.Fatal("snapshot still running after wait returned")
	}
	if snap.ExitCode == nil || *snap.ExitCode != 3 {
		t.Fatalf("exit code = %v, want 3", snap.ExitCode)
	}

	// A cancelled wait reports the context error without consuming the exit.
	blocked, err := s.Start(context.Background(), LaunchSpec{Command: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := blocked.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("wait with cancelled context returned %v", err)
	}
}

func TestLaunchSpecCapturedAtStart(t *testing.T) {
	skipOnWindows(t)

	s := newTestSupervisor(t, Config{ForceKillOnTimeout: true, UseProcessGroups: true})

	spec := LaunchSpec{
		Name:    "env",
		Command: []string{"sleep", "30"},
		Env:     map[string]string{"ROLE": "helper"},
	}
	proc, err := s.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	spec.Command[0] = "mutated"
	spec.Env["ROLE"] = "mutated"

	entries := s.registry.snapshot()
	if len(entries) != 1 {
		t.Fatalf("registry has %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.spec.Command[0] != "sleep" {
		t.Fatalf("entry command = %q, mutation leaked into the captured spec", e.spec.Command[0])
	}
	if e.spec.Env["ROLE"] != "helper" {
		t.Fatalf("entry env = %q, mutation leaked into the captured spec", e.spec.Env["ROLE"])
	}
	_ = proc
}
