//go:build unix

package worker

import (
	"os/exec"
	"syscall"
)

// isolate starts the process in its own group and makes cancellation kill the
// whole group, so children of a wrapper script die with it.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
