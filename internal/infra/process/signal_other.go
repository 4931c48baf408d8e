//go:build !unix

package process

import (
	"os"
	"os/exec"
)

var (
	sigterm = os.Kill
	sigkill = os.Kill
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, sig os.Signal) error {
	return cmd.Process.Signal(sig)
}
