//go:build windows

package subprocess

import (
	"errors"
	"os/exec"
	"syscall"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
}

// Windows has no interrupt for console-less children; the caller falls back
// to killing.
func interruptProcess(*exec.Cmd) error {
	return errors.New("interrupt not supported on windows")
}

func killProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
