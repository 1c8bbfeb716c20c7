//go:build windows

package killgroup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

type jobObjectGroup struct {
	logger *zap.Logger

	mu     sync.Mutex
	job    windows.Handle
	closed bool
}

// New returns the job-object backed implementation. useProcessGroups is a
// POSIX-only knob and is ignored here.
func New(logger *zap.Logger, useProcessGroups bool) Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	_ = useProcessGroups
	return &jobObjectGroup{logger: logger}
}

func (g *jobObjectGroup) ConfigureSysProcAttr(cmd *exec.Cmd) {
	// A fresh console process group keeps control events scoped to the child
	// and makes the child's pid double as its group id.
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Create builds the job object and arms kill-on-close. Children assigned to
// the job are terminated by the kernel once the last handle closes, no
// supervisor code required.
func (g *jobObjectGroup) Create() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.New("kill group closed")
	}
	if g.job != 0 {
		return nil
	}
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return fmt.Errorf("create job object: %w", err)
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		_ = windows.CloseHandle(job)
		return fmt.Errorf("configure job object kill-on-close: %w", err)
	}
	g.job = job
	g.logger.Debug("job object created")
	return nil
}

// Assign adds pid to the job. Failure is expected when the process exited
// between spawn and assignment; callers treat it as best-effort.
func (g *jobObjectGroup) Assign(pid int) (int, error) {
	g.mu.Lock()
	job := g.job
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return 0, errors.New("kill group closed")
	}
	if job == 0 {
		return 0, errors.New("job object not created")
	}
	proc, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return 0, fmt.Errorf("open pid %d: %w", pid, err)
	}
	defer windows.CloseHandle(proc)
	if err := windows.AssignProcessToJobObject(job, proc); err != nil {
		return 0, fmt.Errorf("assign pid %d to job object: %w", pid, err)
	}
	// CREATE_NEW_PROCESS_GROUP roots a console group at the child, so the
	// pid is also the group id.
	return pid, nil
}

func (g *jobObjectGroup) Signal(pid, gid int, graceful bool) error {
	if graceful {
		// Without /F taskkill asks the target to close (WM_CLOSE). It needs
		// no job membership and the target may ignore it.
		if err := exec.Command("taskkill", "/PID", strconv.Itoa(pid)).Run(); err != nil {
			if !pidAlive(pid) {
				return nil
			}
			return fmt.Errorf("request close of pid %d: %w", pid, err)
		}
		return nil
	}
	if err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run(); err != nil {
		// Tree kill is best-effort; take down at least the direct child.
		if proc, ferr := os.FindProcess(pid); ferr == nil {
			if kerr := proc.Kill(); kerr == nil || errors.Is(kerr, os.ErrProcessDone) {
				return nil
			}
		}
		if !pidAlive(pid) {
			return nil
		}
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// Close releases the job handle exactly once. Kill-on-close terminates any
// member still running at this point.
func (g *jobObjectGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if g.job == 0 {
		return nil
	}
	job := g.job
	g.job = 0
	if err := windows.CloseHandle(job); err != nil {
		return fmt.Errorf("close job object: %w", err)
	}
	return nil
}

func pidAlive(pid int) bool {
	proc, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(proc)
	var code uint32
	if err := windows.GetExitCodeProcess(proc, &code); err != nil {
		return false
	}
	return code == windows.STILL_ACTIVE
}
