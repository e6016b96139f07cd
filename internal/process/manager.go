// Package process spawns, signals and reaps arbiter children, and manages
// the arbiter PID file and orphan detection.
package process

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Manager is the process-management capability an arbiter needs. Spawn and
// Signal are fire-and-forget; outcomes are observed by a later Reap.
type Manager interface {
	Spawn(spec Spec) (int, error)
	Signal(pid int, sig syscall.Signal) error
	// Reap collects every child that has exited without blocking.
	Reap() []Exit
}

// OS is the Manager backed by fork/exec and wait4.
type OS struct{}

func (OS) Spawn(spec Spec) (int, error) {
	cmd := spec.BuildCommand()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	// Children are reaped by pid through wait4; drop the os.Process handle.
	_ = cmd.Process.Release()
	return pid, nil
}

func (OS) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal %s to %d: %w", sig, pid, err)
	}
	return nil
}

func (OS) Reap() []Exit {
	var out []Exit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			// ECHILD: nothing left to reap
			return out
		}
		if pid <= 0 {
			return out
		}
		out = append(out, Classify(pid, syscall.WaitStatus(ws)))
	}
}

// Alive reports whether pid exists (EPERM counts as alive).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
