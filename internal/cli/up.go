package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apihttp "github.com/wardenhq/warden/internal/api/http"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/eventmux"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/supervisor"
)

var newAPIServer = apihttp.NewServer

// eventBufferSize bounds the stream between the supervisor's notification
// goroutines and the terminal; overflow drops records rather than stalling
// process management.
const eventBufferSize = 256

func newUpCmd(ctx *context) *cobra.Command {
	var apiAddr string
	cmd := &cobra.Command{
		Use:   "up [flags] [-- command [args...]]",
		Short: "Launch configured processes and supervise them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if len(doc.Processes) == 0 && len(args) == 0 {
				return errors.New("nothing to supervise: no processes configured and no command given")
			}

			logger, err := logging.New(logging.Config{
				Level:       doc.Logging.Level,
				Directory:   doc.Logging.Directory,
				MaxFileSize: doc.Logging.MaxFileSize,
				MaxBackups:  doc.Logging.MaxBackups,
				MaxAgeDays:  doc.Logging.MaxAgeDays,
				Compress:    doc.Logging.Compress,
			})
			if err != nil {
				return err
			}
			defer logger.Sync()

			sup, err := supervisor.New(supervisorConfig(doc),
				supervisor.WithLogger(logger),
				supervisor.WithShutdownContext(cmd.Context()),
			)
			if err != nil {
				return err
			}
			defer sup.Close()

			// The summary subscribes directly: recording a struct is cheap and
			// must survive even when the printed stream drops records.
			summary := &cleanupSummary{}
			cancelSummary := sup.OnCleanup(summary.record)
			defer cancelSummary()

			printer := newEventPrinter(cmd.OutOrStdout())
			mux := eventmux.New(eventBufferSize)
			mux.Subscribe(sup)
			printDone := make(chan struct{})
			go func() {
				defer close(printDone)
				for rec := range mux.Output() {
					printer.record(rec)
				}
			}()
			defer func() {
				mux.Close()
				<-printDone
			}()

			if err := startConfigured(cmd, sup, doc); err != nil {
				return err
			}
			if len(args) > 0 {
				if _, err := sup.Start(cmd.Context(), supervisor.LaunchSpec{Command: args}); err != nil {
					return err
				}
			}

			stopAPI := func() error { return nil }
			if enableAPI(cmd, doc) {
				addr := apiAddr
				if strings.TrimSpace(addr) == "" {
					addr = doc.API.Addr
				}
				stop, err := startAPIServer(cmd, sup, addr)
				if err != nil {
					return err
				}
				stopAPI = stop
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Supervising %d process(es); press Ctrl-C to stop.\n", len(sup.List()))

			<-cmd.Context().Done()

			if err := sup.Close(); err != nil {
				logger.Warn("supervisor close", zap.Error(err))
			}
			// Drain the event stream before the summary so teardown events
			// land above the closing message.
			mux.Close()
			<-printDone
			if err := stopAPI(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "control API error: %v\n", err)
			}

			if evt, ok := summary.last(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Shutdown complete: %d terminated, %d failed in %s.\n",
					evt.Succeeded, evt.Failed, evt.Duration.Truncate(time.Millisecond))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Shutdown complete.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "", "address for the HTTP control API (empty uses api.addr from the manifest)")
	return cmd
}

// cleanupSummary remembers the most recent cleanup notification so the final
// shutdown message reflects the teardown pass.
type cleanupSummary struct {
	mu   sync.Mutex
	evt  supervisor.CleanupEvent
	seen bool
}

func (s *cleanupSummary) record(evt supervisor.CleanupEvent) {
	s.mu.Lock()
	s.evt = evt
	s.seen = true
	s.mu.Unlock()
}

func (s *cleanupSummary) last() (supervisor.CleanupEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evt, s.seen
}

func supervisorConfig(doc *config.File) supervisor.Config {
	spec := doc.Supervisor
	cfg := supervisor.Config{
		MaxProcesses:    spec.MaxProcesses,
		GracefulTimeout: spec.GracefulTimeout.Duration,
		ReapInterval:    spec.ReapInterval.Duration,
		StrictErrors:    spec.StrictErrors,
	}
	if spec.ForceKillOnTimeout != nil {
		cfg.ForceKillOnTimeout = *spec.ForceKillOnTimeout
	}
	if spec.AutoReap != nil {
		cfg.AutoReap = *spec.AutoReap
	}
	if spec.UseProcessGroups != nil {
		cfg.UseProcessGroups = *spec.UseProcessGroups
	}
	return cfg
}

func startConfigured(cmd *cobra.Command, sup *supervisor.Supervisor, doc *config.File) error {
	for _, name := range doc.ProcessesSorted() {
		proc := doc.Processes[name]
		argv, err := proc.CommandLine()
		if err != nil {
			return fmt.Errorf("process %s: %w", name, err)
		}
		spec := supervisor.LaunchSpec{
			Name:       name,
			Command:    argv,
			WorkingDir: proc.ResolvedWorkdir,
			Env:        proc.Env,
		}
		if _, err := sup.Start(cmd.Context(), spec); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

func enableAPI(cmd *cobra.Command, doc *config.File) bool {
	if doc.API.Enabled {
		return true
	}
	if cmd.Flags().Changed("api") {
		return true
	}
	return apiEnabledFromEnv()
}

func apiEnabledFromEnv() bool {
	value := strings.TrimSpace(os.Getenv("WARDEN_ENABLE_API"))
	if value == "" {
		return false
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return enabled
}

// startAPIServer launches the control API in the background and reports the
// bound address once the listener survives its first moments. The returned
// stop function blocks until the server has shut down.
func startAPIServer(cmd *cobra.Command, sup *supervisor.Supervisor, addr string) (func() error, error) {
	control := NewSupervisorController(sup)
	if control == nil {
		return nil, errors.New("control API unavailable")
	}
	server, err := newAPIServer(apihttp.Config{Addr: addr, Controller: control})
	if err != nil {
		return nil, err
	}

	runCtx := cmd.Context()
	serverCtx, cancel := stdcontext.WithCancel(runCtx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()

	readyTimer := time.NewTimer(200 * time.Millisecond)
	defer readyTimer.Stop()
	select {
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errors.New("control API server exited before becoming ready")
		}
		return nil, err
	case <-readyTimer.C:
	case <-runCtx.Done():
		cancel()
		err := <-errCh
		if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return nil, err
		}
		return nil, runCtx.Err()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Control API listening on %s\n", server.Addr())
	return func() error {
		cancel()
		err := <-errCh
		if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, nil
}
