//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup puts the child in its own process group so that
// killProcessGroup reaches every descendant it spawned.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the child's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	// Negative PID = kill the entire process group.
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
