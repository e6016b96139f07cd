package arbiter

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/benoitc/gunicorn-sub001/internal/env"
	"github.com/benoitc/gunicorn-sub001/internal/process"
)

// Launcher turns boot parameters into process specs.
type Launcher interface {
	Spec(b env.Boot, hb *os.File) (process.Spec, error)
}

// ExecLauncher re-executes the current binary with a hidden role
// subcommand. The heartbeat file becomes descriptor 3; HTTP workers also
// inherit the listeners from descriptor 4 on.
type ExecLauncher struct {
	Executable string
	Env        *env.Env
	Listeners  []*os.File
	// ParentDeathSignal is set on children (Linux) so they die with the
	// process that spawned them.
	ParentDeathSignal syscall.Signal
}

func (l ExecLauncher) Spec(b env.Boot, hb *os.File) (process.Spec, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return process.Spec{}, fmt.Errorf("resolve executable: %w", err)
		}
	}
	kv, err := b.Encode()
	if err != nil {
		return process.Spec{}, err
	}
	e := l.Env
	if e == nil {
		e = env.New()
	}
	files := []*os.File{hb}
	if b.Role == env.RoleWorker {
		files = append(files, l.Listeners...)
	}
	return process.Spec{
		Name:              b.Role,
		Path:              exe,
		Args:              []string{b.Role, process.MasterPIDFlag + "=" + strconv.Itoa(b.MasterPID)},
		Env:               e.Merge([]string{kv}),
		ExtraFiles:        files,
		ParentDeathSignal: l.ParentDeathSignal,
	}, nil
}
