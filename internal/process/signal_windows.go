//go:build windows

package process

import (
	"context"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE = 0x0001
)

// TerminateGroup has no graceful equivalent for a detached console group on
// Windows; it terminates pid.
func TerminateGroup(pid int) error { return terminate(pid, "SIGTERM") }

// KillGroup terminates pid.
func KillGroup(pid int) error { return terminate(pid, "SIGKILL") }

// Kill terminates pid.
func Kill(pid int) error { return terminate(pid, "SIGKILL") }

// Alive reports whether pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

func terminate(pid int, sig string) error {
	if pid <= 0 {
		return &TerminationError{PID: pid, Signal: sig, Err: ErrInvalidPID}
	}
	handle, err := openProcess(PROCESS_TERMINATE, uint32(pid))
	if err != nil {
		if !Alive(pid) {
			return &TerminationError{PID: pid, Signal: sig, Err: ErrProcessGone}
		}
		return &TerminationError{PID: pid, Signal: sig, Err: err}
	}
	defer closeHandle(handle)

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return &TerminationError{PID: pid, Signal: sig, Err: err}
	}
	return nil
}

// openProcess opens a process handle
func openProcess(access uint32, processID uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(processID))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

// closeHandle closes a Windows handle
func closeHandle(handle syscall.Handle) {
	_, _, _ = procCloseHandle.Call(uintptr(handle))
}
