//go:build !windows

package killgroup

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

type posixGroup struct {
	logger  *zap.Logger
	enabled bool
}

// New returns the process-group backed implementation. With grouping
// disabled children stay in the parent's group and signals go to the direct
// pid only.
func New(logger *zap.Logger, useProcessGroups bool) Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &posixGroup{logger: logger, enabled: useProcessGroups}
}

func (g *posixGroup) ConfigureSysProcAttr(cmd *exec.Cmd) {
	if !g.enabled {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Create is a no-op: groups are created per child at fork time via Setpgid,
// there is no shared handle.
func (g *posixGroup) Create() error {
	return nil
}

// Assign reads back the group id the kernel rooted at pid. The read can race
// a child that exits immediately, in which case the id may belong to a
// recycled pid; the resolved id is kept regardless because signalling a
// stale group yields ESRCH, which every delivery path tolerates.
func (g *posixGroup) Assign(pid int) (int, error) {
	if !g.enabled {
		return 0, nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0, fmt.Errorf("resolve process group of pid %d: %w", pid, err)
	}
	return pgid, nil
}

func (g *posixGroup) Signal(pid, gid int, graceful bool) error {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	if gid > 0 {
		err := syscall.Kill(-gid, sig)
		if err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		g.logger.Warn("signal process group failed, falling back to direct pid",
			zap.Int("pgid", gid),
			zap.Int("pid", pid),
			zap.Error(err))
	}
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

func (g *posixGroup) Close() error {
	return nil
}
