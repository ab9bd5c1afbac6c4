//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// SetGroup places the child in a new process group so the whole tree it
// spawns can be signalled through its PID.
func SetGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
