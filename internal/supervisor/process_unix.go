//go:build !windows

package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

var errProcessGone = errors.New("process not found")

// configureProcAttr puts the worker in its own process group so it and its
// children can be signaled together.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalWake(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGUSR1); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return errProcessGone
		}
		return fmt.Errorf("sigusr1 pid %d: %w", pid, err)
	}
	return nil
}

// terminate sends SIGTERM to the process group, waits for done or the grace
// period, then sends SIGKILL.
func terminate(pid int, grace time.Duration, done <-chan struct{}) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Already gone.
		return nil
	}
	// Only signal the whole group when pid leads it; a foreign pid may
	// share our own group.
	target := pid
	if pgid == pid {
		target = -pgid
	}
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("sigterm pid %d: %w", pid, err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(target, syscall.SIGKILL)
		return nil
	}
}
