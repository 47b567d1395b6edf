//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsAlive sends signal 0 to pid and interprets the result:
// no-such-process is false, permission-denied is true (the process exists
// but is owned by someone else), any other error is false.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	if errors.Is(err, unix.ESRCH) {
		return false
	}
	if errors.Is(err, unix.EPERM) {
		return true
	}
	return false
}

// TerminateGracefully sends SIGTERM.
func TerminateGracefully(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// ForceKill sends SIGKILL.
func ForceKill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGKILL)
}
