//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes cancellation kill the whole process tree, so a
// shell wrapper cannot leave its children running.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
