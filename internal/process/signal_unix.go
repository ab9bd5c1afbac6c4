//go:build !windows

package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// TerminateGroup asks the process group led by pid to exit (SIGTERM).
// When pid leads no group the signal goes to pid alone.
func TerminateGroup(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

// KillGroup forcibly kills the process group led by pid (SIGKILL), falling
// back to pid alone.
func KillGroup(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// Kill forcibly kills the single process pid.
func Kill(pid int) error {
	if pid <= 0 {
		return &TerminationError{PID: pid, Signal: syscall.SIGKILL.String(), Err: ErrInvalidPID}
	}
	return classify(pid, syscall.SIGKILL, syscall.Kill(pid, syscall.SIGKILL))
}

// Alive reports whether pid exists and is not a zombie. A process owned by
// another user (EPERM) counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return true
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return &TerminationError{PID: pid, Signal: sig.String(), Err: ErrInvalidPID}
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	return classify(pid, sig, err)
}

func classify(pid int, sig syscall.Signal, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		err = fmt.Errorf("%w: %v", ErrProcessGone, err)
	}
	return &TerminationError{PID: pid, Signal: sig.String(), Err: err}
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
