//go:build unix

package core

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the step in its own process group and makes
// cancellation kill the whole group, so tools spawned by the shell stop too.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
