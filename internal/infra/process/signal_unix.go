//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

var (
	sigterm = syscall.SIGTERM
	sigkill = syscall.SIGKILL
)

// setProcessGroup puts the child in its own group so terminal interrupts meant
// for the bridge do not reach it, and so timeouts can signal its descendants.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	return syscall.Kill(-cmd.Process.Pid, sig)
}
