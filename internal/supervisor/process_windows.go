//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"time"
)

var errProcessGone = errors.New("process not found")

func configureProcAttr(_ *exec.Cmd) {}

// Windows has no SIGUSR1; workers there must poll stdin.
func signalWake(_ int) error {
	return errors.New("wake signal is not supported on windows")
}

func terminate(pid int, _ time.Duration, done <-chan struct{}) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil {
		return nil
	}
	<-done
	return nil
}
