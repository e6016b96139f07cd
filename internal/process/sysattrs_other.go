//go:build !linux

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr has no parent-death signal outside Linux; the
// dirty arbiter's parent pid polling covers that case.
func configureSysProcAttr(cmd *exec.Cmd, _ Spec) {
	cmd.SysProcAttr = &syscall.SysProcAttr{}
}
