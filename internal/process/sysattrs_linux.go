//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr keeps children in the arbiter's process group so
// terminal signals reach the whole tree, and arms the parent-death signal.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: spec.ParentDeathSignal}
}
