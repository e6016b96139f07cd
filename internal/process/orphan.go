package process

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// MasterPIDFlag is the argument every dirty-tree process carries so it can
// be matched to the main arbiter that spawned its tree.
const MasterPIDFlag = "--master-pid"

// Info is the subset of a process table entry used for orphan detection.
type Info struct {
	PID     int
	PPID    int
	Cmdline []string
}

// MasterPID returns the value of MasterPIDFlag in the command line, or 0.
func (i Info) MasterPID() int {
	for n, arg := range i.Cmdline {
		if v, ok := strings.CutPrefix(arg, MasterPIDFlag+"="); ok {
			pid, _ := strconv.Atoi(v)
			return pid
		}
		if arg == MasterPIDFlag && n+1 < len(i.Cmdline) {
			pid, _ := strconv.Atoi(i.Cmdline[n+1])
			return pid
		}
	}
	return 0
}

// Lister enumerates running processes.
type Lister interface {
	List(ctx context.Context) ([]Info, error)
}

// SystemLister reads the process table through gopsutil.
type SystemLister struct{}

func (SystemLister) List(ctx context.Context) ([]Info, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			// gone already, or a kernel thread
			continue
		}
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Info{PID: int(p.Pid), PPID: int(ppid), Cmdline: args})
	}
	return out, nil
}

// FindOrphans returns processes whose command line contains role (the
// hidden subcommand name) and whose recorded master is neither master nor
// still running. Trees of other live masters on the host are left alone.
// self is never returned.
func FindOrphans(ctx context.Context, l Lister, role string, master, self int) ([]Info, error) {
	all, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, p := range all {
		if p.PID == self || len(p.Cmdline) < 2 {
			continue
		}
		if !slices.Contains(p.Cmdline[1:], role) {
			continue
		}
		recorded := p.MasterPID()
		if recorded == 0 || recorded == master || Alive(recorded) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Terminate sends SIGTERM to every pid, waits up to grace for them to
// disappear and SIGKILLs the rest. The processes are not our children, so
// liveness is polled rather than reaped. onPoll, if set, runs on every
// poll.
func Terminate(ctx context.Context, log *slog.Logger, pids []int, grace time.Duration, onPoll func()) {
	if len(pids) == 0 {
		return
	}
	for _, pid := range pids {
		log.Warn("terminating orphan", "pid", pid)
		_ = unix.Kill(pid, unix.SIGTERM)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if onPoll != nil {
			onPoll()
		}
		if !slices.ContainsFunc(pids, Alive) {
			return
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(50 * time.Millisecond):
		}
	}
	for _, pid := range pids {
		if Alive(pid) {
			log.Warn("killing orphan after grace period", "pid", pid)
			_ = unix.Kill(pid, unix.SIGKILL)
		}
	}
}
