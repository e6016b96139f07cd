package process

import (
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Spec describes a child process to be spawned by an arbiter.
type Spec struct {
	Name    string   // role used in logs: "worker", "dirty-arbiter", "dirty-worker"
	Path    string   // absolute path of the executable
	Args    []string // arguments after argv[0]
	Env     []string // full environment; nil inherits the parent's
	WorkDir string

	// ExtraFiles become descriptors 3, 4, ... in the child.
	ExtraFiles []*os.File

	// Stdout and Stderr default to the parent's. Only *os.File values are
	// accepted so spawning never starts copy goroutines that would require
	// exec.Cmd.Wait; children are reaped with wait4 instead.
	Stdout *os.File
	Stderr *os.File

	// ParentDeathSignal is delivered to the child when the spawning thread
	// dies (Linux only, ignored elsewhere).
	ParentDeathSignal syscall.Signal
}

// BuildCommand constructs the *exec.Cmd for s.
func (s *Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- the path is the arbiter's own executable
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.WorkDir
	cmd.Env = s.Env
	cmd.ExtraFiles = s.ExtraFiles
	cmd.Stdin = nil
	cmd.Stdout = writerOr(s.Stdout, os.Stdout)
	cmd.Stderr = writerOr(s.Stderr, os.Stderr)
	configureSysProcAttr(cmd, *s)
	return cmd
}

func writerOr(f *os.File, def *os.File) io.Writer {
	if f != nil {
		return f
	}
	return def
}
