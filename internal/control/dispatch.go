package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/benoitc/gunicorn-sub001/internal/arbiter"
	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/dirty"
	"github.com/benoitc/gunicorn-sub001/internal/metrics"
	"github.com/benoitc/gunicorn-sub001/pkg/client"
)

// ErrUnknownCommand is returned for commands outside the command surface.
var ErrUnknownCommand = errors.New("unknown command")

// Controller is the main arbiter as seen by the control socket. Queries
// read the published snapshot; mutations are queued onto the loop.
type Controller interface {
	Snapshot() *arbiter.Snapshot
	AddWorkers(ctx context.Context, n int) (arbiter.ScaleResult, error)
	RemoveWorkers(ctx context.Context, n int) (arbiter.ScaleResult, error)
	KillWorker(ctx context.Context, pid int) error
	Reload(ctx context.Context) error
	Reopen(ctx context.Context) error
	Shutdown(ctx context.Context, graceful bool) error
}

// DirtyAdmin reaches the dirty arbiter.
type DirtyAdmin interface {
	Status(ctx context.Context) (*dirty.Status, error)
	Scale(ctx context.Context, delta int) (arbiter.ScaleResult, error)
}

// Dispatcher maps command lines to Controller calls.
type Dispatcher struct {
	ctl Controller
	// dirtyAdmin returns the admin for the configured dirty socket.
	dirtyAdmin func(socket string) DirtyAdmin
}

func NewDispatcher(ctl Controller, dirtyAdmin func(socket string) DirtyAdmin) *Dispatcher {
	if dirtyAdmin == nil {
		dirtyAdmin = func(socket string) DirtyAdmin { return dirty.NewClient(socket) }
	}
	return &Dispatcher{ctl: ctl, dirtyAdmin: dirtyAdmin}
}

var help = []string{
	"show all|workers|dirty|config|stats|listeners",
	"worker add [n]",
	"worker remove [n]",
	"worker kill <pid>",
	"dirty add [n]",
	"dirty remove [n]",
	"reload",
	"reopen",
	"shutdown [graceful|quick]",
	"help",
}

// subcommands lists the second words that form a metric verb.
var subcommands = map[string][]string{
	"help":     nil,
	"show":     nil,
	"reload":   nil,
	"reopen":   nil,
	"shutdown": nil,
	"worker":   {"add", "remove", "kill"},
	"dirty":    {"add", "remove"},
}

// verbLabel names command for metrics. Anything outside the command
// surface is "unknown", so the label set stays fixed.
func verbLabel(command string) string {
	f := strings.Fields(command)
	if len(f) == 0 {
		return "unknown"
	}
	subs, ok := subcommands[f[0]]
	if !ok {
		return "unknown"
	}
	if len(f) > 1 && slices.Contains(subs, f[1]) {
		return f[0] + " " + f[1]
	}
	return f[0]
}

// Respond runs command and builds the response for id.
func (d *Dispatcher) Respond(ctx context.Context, id int64, command string) client.Response {
	verb := verbLabel(command)
	v, err := d.Dispatch(ctx, command)
	if err != nil {
		metrics.IncControlCommand(verb, client.StatusError)
		return client.Response{ID: id, Status: client.StatusError, Error: err.Error()}
	}
	data, err := json.Marshal(v)
	if err != nil {
		metrics.IncControlCommand(verb, client.StatusError)
		return client.Response{ID: id, Status: client.StatusError, Error: "encode result: " + err.Error()}
	}
	metrics.IncControlCommand(verb, client.StatusOK)
	return client.Response{ID: id, Status: client.StatusOK, Data: data}
}

// Dispatch runs one command line.
func (d *Dispatcher) Dispatch(ctx context.Context, command string) (any, error) {
	f := strings.Fields(command)
	if len(f) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	args := f[1:]
	switch f[0] {
	case "help", "reload", "reopen":
		if len(args) > 0 {
			return nil, fmt.Errorf("%s takes no arguments, got %q", f[0], args)
		}
	case "show", "shutdown":
		if len(args) > 1 {
			return nil, fmt.Errorf("unexpected arguments %q", args[1:])
		}
	}
	switch f[0] {
	case "help":
		return help, nil
	case "show":
		what := "all"
		if len(args) > 0 {
			what = args[0]
		}
		return d.show(ctx, what)
	case "worker":
		return d.worker(ctx, args)
	case "dirty":
		return d.dirty(ctx, args)
	case "reload":
		if err := d.ctl.Reload(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"status": "reloading"}, nil
	case "reopen":
		if err := d.ctl.Reopen(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"status": "reopening"}, nil
	case "shutdown":
		mode := "graceful"
		if len(args) > 0 {
			mode = args[0]
		}
		if mode != "graceful" && mode != "quick" {
			return nil, fmt.Errorf("shutdown mode must be graceful or quick, not %q", mode)
		}
		if err := d.ctl.Shutdown(ctx, mode == "graceful"); err != nil {
			return nil, err
		}
		return map[string]string{"status": "stopping", "mode": mode}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, f[0])
}

func (d *Dispatcher) show(ctx context.Context, what string) (any, error) {
	snap := d.ctl.Snapshot()
	switch what {
	case "all":
		out := map[string]any{"arbiter": snap}
		if snap.Config.Dirty.Enabled() {
			if st, err := d.dirtyAdmin(snap.Config.Dirty.Socket).Status(ctx); err != nil {
				out["dirty"] = map[string]string{"error": err.Error()}
			} else {
				out["dirty"] = st
			}
		}
		return out, nil
	case "workers":
		if snap.Workers == nil {
			return []arbiter.WorkerInfo{}, nil
		}
		return snap.Workers, nil
	case "dirty":
		admin, err := d.admin(snap.Config)
		if err != nil {
			return nil, err
		}
		return admin.Status(ctx)
	case "config":
		return snap.Config, nil
	case "stats":
		live := 0
		for _, w := range snap.Workers {
			if w.Alive && !w.Retiring {
				live++
			}
		}
		return client.Stats{
			PID:        snap.PID,
			State:      snap.State,
			Uptime:     snap.Stats.Uptime,
			Generation: snap.Generation,
			Target:     snap.Target,
			Live:       live,
			Reloads:    snap.Stats.Reloads,
			Spawned:    snap.Stats.Workers.Spawned,
			Reaped:     snap.Stats.Workers.Reaped,
			Timeouts:   snap.Stats.Workers.Timeouts,
		}, nil
	case "listeners":
		if snap.Listeners == nil {
			return []string{}, nil
		}
		return snap.Listeners, nil
	}
	return nil, fmt.Errorf("%w: show %q", ErrUnknownCommand, what)
}

func (d *Dispatcher) admin(cfg config.Config) (DirtyAdmin, error) {
	if !cfg.Dirty.Enabled() {
		return nil, errors.New("dirty arbiter is not enabled")
	}
	return d.dirtyAdmin(cfg.Dirty.Socket), nil
}

func (d *Dispatcher) worker(ctx context.Context, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("usage: worker add|remove [n] or worker kill <pid>")
	}
	switch args[0] {
	case "add", "remove":
		n, err := count(args[1:])
		if err != nil {
			return nil, err
		}
		if args[0] == "add" {
			return d.ctl.AddWorkers(ctx, n)
		}
		return d.ctl.RemoveWorkers(ctx, n)
	case "kill":
		if len(args) != 2 {
			return nil, errors.New("usage: worker kill <pid>")
		}
		pid, err := strconv.Atoi(args[1])
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("invalid pid %q", args[1])
		}
		if err := d.ctl.KillWorker(ctx, pid); err != nil {
			return nil, err
		}
		return map[string]int{"killed": pid}, nil
	}
	return nil, fmt.Errorf("%w: worker %q", ErrUnknownCommand, args[0])
}

func (d *Dispatcher) dirty(ctx context.Context, args []string) (any, error) {
	if len(args) == 0 || (args[0] != "add" && args[0] != "remove") {
		if len(args) > 0 {
			return nil, fmt.Errorf("%w: dirty %q", ErrUnknownCommand, args[0])
		}
		return nil, errors.New("usage: dirty add|remove [n]")
	}
	n, err := count(args[1:])
	if err != nil {
		return nil, err
	}
	admin, err := d.admin(d.ctl.Snapshot().Config)
	if err != nil {
		return nil, err
	}
	if args[0] == "remove" {
		n = -n
	}
	return admin.Scale(ctx, n)
}

// count parses the optional count argument, default 1.
func count(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	if len(args) > 1 {
		return 0, fmt.Errorf("unexpected arguments %q", args[1:])
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("count must be a positive integer, not %q", args[0])
	}
	return n, nil
}
