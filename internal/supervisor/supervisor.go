package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/killgroup"
	"github.com/wardenhq/warden/internal/metrics"
)

// ErrClosed is returned for operations attempted after the supervisor has
// been disposed.
var ErrClosed = errors.New("supervisor closed")

const (
	DefaultMaxProcesses    = 64
	DefaultGracefulTimeout = 5 * time.Second
	DefaultReapInterval    = 30 * time.Second
)

// Config controls supervision behaviour. Numeric zero values fall back to
// the package defaults; boolean fields are taken literally.
type Config struct {
	// MaxProcesses bounds the registry and the number of in-flight Start
	// calls.
	MaxProcesses int
	// GracefulTimeout is the grace period teardown allows each process
	// before escalating.
	GracefulTimeout time.Duration
	// ForceKillOnTimeout escalates to an unconditional kill when the grace
	// period elapses. Without it a process that ignores the request counts
	// as failed.
	ForceKillOnTimeout bool
	// ReapInterval is the period of the background reaper.
	ReapInterval time.Duration
	// AutoReap runs the reaper on a ticker until the supervisor closes.
	AutoReap bool
	// UseProcessGroups places children in their own POSIX process group so
	// signals reach their descendants. Ignored on Windows.
	UseProcessGroups bool
	// StrictErrors makes best-effort steps (kill-group setup, group
	// assignment) fail hard instead of degrading to notifications.
	StrictErrors bool
}

func (c *Config) applyDefaults() {
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = DefaultMaxProcesses
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = DefaultGracefulTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
}

type options struct {
	logger      *zap.Logger
	shutdownCtx context.Context
	groups      killgroup.Group
}

// Option customizes supervisor construction.
type Option func(*options)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithShutdownContext ties the supervisor to a host shutdown trigger: once
// ctx is cancelled the supervisor closes itself. Signal handlers and tests
// inject their trigger here rather than the supervisor binding to process
// globals.
func WithShutdownContext(ctx context.Context) Option {
	return func(o *options) { o.shutdownCtx = ctx }
}

// withKillGroup substitutes the platform kill group; tests use it to observe
// signalling.
func withKillGroup(g killgroup.Group) Option {
	return func(o *options) { o.groups = g }
}

// Supervisor tracks every process it spawns and guarantees none outlive it:
// explicit Close, a cancelled shutdown context and, on Windows, the job
// object's kill-on-close all converge on the same exactly-once teardown.
type Supervisor struct {
	cfg      Config
	logger   *zap.Logger
	groups   killgroup.Group
	registry *registry
	notifier *notifier
	engine   *terminator

	// startGate bounds in-flight Start calls so bulk launches cannot storm
	// the registry into CapacityExceeded.
	startGate chan struct{}

	mu     sync.RWMutex // lifecycle gate for closed
	closed bool

	termMu  sync.Mutex  // serializes terminate-all passes
	reaping atomic.Bool // skips overlapping reap runs

	stop chan struct{}
	bgWG sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New builds a supervisor. The kill group is created eagerly so the Windows
// safety net exists before the first spawn; unless StrictErrors is set a
// creation failure degrades to direct-pid signalling.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	cfg.applyDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	groups := o.groups
	if groups == nil {
		groups = killgroup.New(logger.Named("killgroup"), cfg.UseProcessGroups)
	}

	s := &Supervisor{
		cfg:       cfg,
		logger:    logger,
		groups:    groups,
		registry:  newRegistry(cfg.MaxProcesses),
		notifier:  newNotifier(),
		startGate: make(chan struct{}, cfg.MaxProcesses),
		stop:      make(chan struct{}),
	}
	s.engine = &terminator{
		groups:    groups,
		notifier:  s.notifier,
		logger:    logger.Named("terminator"),
		forceKill: cfg.ForceKillOnTimeout,
	}

	if err := groups.Create(); err != nil {
		if cfg.StrictErrors {
			return nil, fmt.Errorf("create kill group: %w", err)
		}
		logger.Warn("kill group unavailable, using direct-pid signalling", zap.Error(err))
	}

	if cfg.AutoReap {
		s.bgWG.Add(1)
		go s.reapLoop()
	}
	if o.shutdownCtx != nil {
		go s.watchShutdown(o.shutdownCtx)
	}

	return s, nil
}

// Start spawns the process described by spec, registers it, attempts
// kill-group assignment and arms the exit watcher. The returned handle only
// observes; termination goes through the supervisor.
func (s *Supervisor) Start(ctx context.Context, spec LaunchSpec) (*Proc, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("launch spec requires a command")
	}
	if err := s.acquireStartSlot(ctx); err != nil {
		return nil, err
	}
	defer s.releaseStartSlot()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	e, err := s.admit(spec)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	gid, assignErr := s.groups.Assign(e.pid)
	if assignErr != nil {
		if s.cfg.StrictErrors {
			if _, ok := s.registry.remove(e.pid); ok {
				metrics.SetManagedProcesses(s.registry.count())
			}
			e.release()
			s.destroy(e)
			return nil, fmt.Errorf("assign pid %d to kill group: %w", e.pid, assignErr)
		}
		s.logger.Warn("kill group assignment failed, using direct-pid signalling",
			zap.Int("pid", e.pid),
			zap.String("name", e.name),
			zap.Error(assignErr))
		s.notifier.emitError(ErrorEvent{Op: "assign", PID: e.pid, Err: assignErr, Timestamp: time.Now()})
	} else if gid != 0 {
		e.setGroup(gid)
	}

	s.logger.Info("process started",
		zap.Int("pid", e.pid),
		zap.String("name", e.name),
		zap.Int("group", e.group()))

	now := time.Now()
	s.notifier.emitLifecycle(LifecycleEvent{PID: e.pid, Name: e.name, Type: EventStarted, Timestamp: now})
	if e.group() != 0 {
		s.notifier.emitLifecycle(LifecycleEvent{PID: e.pid, Name: e.name, Type: EventGroupAssigned, Timestamp: now})
	}

	return &Proc{e: e}, nil
}

// admit spawns and registers the process. Callers hold the lifecycle read
// lock so admission never races teardown.
func (s *Supervisor) admit(spec LaunchSpec) (*entry, error) {
	name := spec.displayName()

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	env := os.Environ()
	if len(spec.Env) > 0 {
		overrides := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			overrides = append(overrides, fmt.Sprintf("%s=%s", k, v))
		}
		env = append(env, overrides...)
	}
	cmd.Env = env
	s.groups.ConfigureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	e := newEntry(spec, name, cmd)
	if err := s.registry.add(e); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	go s.watch(e)

	metrics.IncrementProcessesStarted()
	metrics.SetManagedProcesses(s.registry.count())
	return e, nil
}

// watch owns cmd.Wait for the entry and reports natural exits. Exits caused
// by the termination engine are reported there; exits after release are
// nobody's business.
func (s *Supervisor) watch(e *entry) {
	err := e.cmd.Wait()
	e.finish(err)
	if !e.isManaged() || e.isTerminating() {
		return
	}
	if !e.claimExitReport() {
		return
	}
	code := -1
	if c, ok := e.exitCode(); ok {
		code = c
	}
	s.logger.Debug("process exited",
		zap.Int("pid", e.pid),
		zap.String("name", e.name),
		zap.Int("exit_code", code))
	s.notifier.emitLifecycle(LifecycleEvent{PID: e.pid, Name: e.name, Type: EventExited, Timestamp: time.Now()})
}

// destroy force-kills a process the supervisor refuses to manage and waits
// for its watcher to collect the exit.
func (s *Supervisor) destroy(e *entry) {
	_ = e.cmd.Process.Kill()
	select {
	case <-e.done:
	case <-time.After(forceKillWait):
	}
}

// Stop releases pid from management without terminating it; the caller owns
// the process afterwards. It reports whether an entry was present. No event
// fires for an unknown pid.
func (s *Supervisor) Stop(pid int) bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	e, ok := s.registry.remove(pid)
	if ok {
		e.release()
		metrics.SetManagedProcesses(s.registry.count())
	}
	s.mu.RUnlock()
	if !ok {
		return false
	}

	s.logger.Info("process released from management",
		zap.Int("pid", pid),
		zap.String("name", e.name))
	s.notifier.emitLifecycle(LifecycleEvent{PID: pid, Name: e.name, Type: EventRemoved, Timestamp: time.Now()})
	return true
}

// TerminateAll drives the graceful-then-forced escalation over a snapshot of
// the registry, clears it, and reports aggregate counts. Per-entry failures
// surface through error notifications, never as a returned error. A second
// call sees an empty snapshot and returns zero counts.
func (s *Supervisor) TerminateAll(ctx context.Context, timeout time.Duration) Result {
	s.termMu.Lock()
	entries := s.registry.snapshot()
	res := s.engine.terminateBatch(ctx, entries, timeout)
	for _, e := range entries {
		s.registry.remove(e.pid)
		e.release()
	}
	metrics.SetManagedProcesses(s.registry.count())
	s.termMu.Unlock()

	if len(entries) > 0 {
		s.logger.Info("termination pass complete",
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Duration("duration", res.Duration))
	}
	s.notifier.emitCleanup(CleanupEvent{
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Duration:  res.Duration,
		Timestamp: time.Now(),
	})
	return res
}

// Reap removes entries whose process has already exited. The natural-exit
// notification fired from the watcher at exit time; reaping is silent
// bookkeeping. Overlapping invocations are skipped.
func (s *Supervisor) Reap() int {
	if !s.reaping.CompareAndSwap(false, true) {
		return 0
	}
	defer s.reaping.Store(false)

	reaped := 0
	for _, e := range s.registry.snapshot() {
		if e.running() {
			continue
		}
		if _, ok := s.registry.remove(e.pid); ok {
			e.release()
			reaped++
		}
	}
	if reaped > 0 {
		metrics.AddProcessesReaped(reaped)
		metrics.SetManagedProcesses(s.registry.count())
		s.logger.Debug("reaped exited processes", zap.Int("count", reaped))
	}
	return reaped
}

// GracefulTimeout returns the configured grace period for terminations.
func (s *Supervisor) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}

// Closed reports whether the supervisor has been disposed.
func (s *Supervisor) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// List returns point-in-time snapshots of every tracked process, ordered by
// pid.
func (s *Supervisor) List() []ProcessSnapshot {
	entries := s.registry.snapshot()
	out := make([]ProcessSnapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// OnLifecycle registers fn for lifecycle events. The returned func cancels
// the registration.
func (s *Supervisor) OnLifecycle(fn func(LifecycleEvent)) func() {
	return s.notifier.onLifecycle(fn)
}

// OnError registers fn for error events. The returned func cancels the
// registration.
func (s *Supervisor) OnError(fn func(ErrorEvent)) func() {
	return s.notifier.onError(fn)
}

// OnCleanup registers fn for cleanup events. The returned func cancels the
// registration.
func (s *Supervisor) OnCleanup(fn func(CleanupEvent)) func() {
	return s.notifier.onCleanup(fn)
}

// Close tears the supervisor down exactly once: the reaper stops, every
// tracked process goes through the escalation with the configured grace
// period, and the kill group is released. Concurrent and repeated calls
// share the first call's teardown.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stop)
		s.bgWG.Wait()

		res := s.TerminateAll(context.Background(), s.cfg.GracefulTimeout)
		if err := s.groups.Close(); err != nil {
			s.logger.Warn("close kill group", zap.Error(err))
			s.closeErr = err
		}
		s.logger.Info("supervisor closed",
			zap.Int("terminated", res.Succeeded),
			zap.Int("failed", res.Failed))
	})
	return s.closeErr
}

func (s *Supervisor) reapLoop() {
	defer s.bgWG.Done()
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// watchShutdown runs Close when the injected trigger fires. Teardown closes
// the stop channel, which doubles as the unsubscribe.
func (s *Supervisor) watchShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown trigger fired")
		_ = s.Close()
	case <-s.stop:
	}
}

func (s *Supervisor) acquireStartSlot(ctx context.Context) error {
	select {
	case s.startGate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) releaseStartSlot() {
	<-s.startGate
}

// Proc is a read-only handle to a supervised process.
type Proc struct {
	e *entry
}

// PID returns the OS process id.
func (p *Proc) PID() int { return p.e.pid }

// Name returns the display label used in events and logs.
func (p *Proc) Name() string { return p.e.name }

// Snapshot captures the process's current state.
func (p *Proc) Snapshot() ProcessSnapshot { return p.e.snapshot() }

// Wait blocks until the process exits or ctx is done. It returns the result
// of the underlying wait, which is an *exec.ExitError for non-zero exits.
func (p *Proc) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.e.done:
		return p.e.waitErr
	}
}
