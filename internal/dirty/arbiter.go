package dirty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/arbiter"
	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/env"
	"github.com/benoitc/gunicorn-sub001/internal/heartbeat"
	"github.com/benoitc/gunicorn-sub001/internal/history"
	"github.com/benoitc/gunicorn-sub001/internal/metrics"
	"github.com/benoitc/gunicorn-sub001/internal/process"
	"github.com/benoitc/gunicorn-sub001/internal/registry"
)

// Options wires a dirty Arbiter. Config is required.
type Options struct {
	Config     *config.Config
	Generation int
	MasterPID  int
	PID        int
	// Getppid is compared on every tick with its value at startup.
	Getppid func() int

	Procs      process.Manager
	Heartbeats arbiter.HeartbeatFactory
	Launcher   arbiter.Launcher
	// Orphans lists processes for the startup orphan scan; nil skips it.
	Orphans process.Lister
	// Terminate stops orphans, calling beat while it waits.
	Terminate func(ctx context.Context, pids []int, beat func())
	// Beat is the dirty arbiter's own heartbeat to the main arbiter.
	Beat    Notifier
	Signals <-chan os.Signal

	Log     *slog.Logger
	History *history.Recorder
	Now     func() time.Time
}

// Arbiter supervises the dirty workers: it places apps on them, keeps
// their number at target, routes invocations and shuts down with its
// parent.
type Arbiter struct {
	opts Options
	cfg  *config.Config
	log  *slog.Logger
	pool *arbiter.Pool[*registry.DirtyRecord]

	router *Router
	state  arbiter.State
	target int
	ppid   int

	// planErr is the last placement failure; planTarget the target it was
	// logged for, so a persistent failure is logged once per target.
	planErr    string
	planTarget int

	ln       net.Listener
	lnInfo   os.FileInfo
	requests chan request
	done     chan struct{}
	status   atomic.Pointer[Status]
}

type request struct {
	fn    func() (any, error)
	reply chan reply
}

type reply struct {
	v   any
	err error
}

// NewArbiter builds a dirty arbiter in the Starting state.
func NewArbiter(opts Options) (*Arbiter, error) {
	if opts.Config == nil {
		return nil, errors.New("dirty arbiter: config is required")
	}
	if opts.Procs == nil {
		opts.Procs = process.OS{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Getppid == nil {
		opts.Getppid = os.Getppid
	}
	if opts.Generation == 0 {
		opts.Generation = 1
	}
	if opts.Launcher == nil {
		opts.Launcher = arbiter.ExecLauncher{ParentDeathSignal: syscall.SIGTERM}
	}
	if opts.Terminate == nil {
		log := opts.Log
		grace := orphanGrace(opts.Config)
		opts.Terminate = func(ctx context.Context, pids []int, beat func()) {
			process.Terminate(ctx, log, pids, grace, beat)
		}
	}
	cfg := opts.Config
	if opts.Heartbeats == nil {
		dir := cfg.WorkerTmpDir
		opts.Heartbeats = func() (arbiter.Heartbeat, error) { return heartbeat.New(dir) }
	}
	a := &Arbiter{
		opts:     opts,
		cfg:      cfg,
		log:      opts.Log.With("component", "dirty-arbiter"),
		router:   NewRouter(),
		target:   cfg.Dirty.Workers,
		ppid:     opts.Getppid(),
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	a.pool = arbiter.NewPool[*registry.DirtyRecord](arbiter.PoolOptions{
		Name:       metrics.PoolDirty,
		Timeout:    cfg.Dirty.Timeout,
		Grace:      cfg.Dirty.GracefulTimeout,
		Procs:      opts.Procs,
		Heartbeats: opts.Heartbeats,
		Log:        opts.Log,
		History:    opts.History,
		Now:        opts.Now,
	})
	a.pool.PickSurplus = func(live []*registry.DirtyRecord, n int) []*registry.DirtyRecord {
		return Surplus(a.cfg.Dirty.Apps, live, n)
	}
	a.publish()
	return a, nil
}

// Start removes orphaned dirty processes left by a previous main arbiter
// and binds the routing socket. Failures here are fatal.
func (a *Arbiter) Start(ctx context.Context) error {
	if a.state != arbiter.StateStarting {
		return fmt.Errorf("dirty arbiter already %s", a.state)
	}
	a.cleanupOrphans(ctx)

	mode, err := a.cfg.SocketMode()
	if err != nil {
		return err
	}
	ln, err := listenUnix(a.cfg.Dirty.Socket, mode)
	if err != nil {
		return err
	}
	a.lnInfo, _ = os.Stat(a.cfg.Dirty.Socket)
	a.ln = ln
	go newProxy(a).serve(ln)

	a.state = arbiter.StateRunning
	a.log.Info("dirty arbiter started", "pid", a.opts.PID, "workers", a.target, "socket", a.cfg.Dirty.Socket, "parent", a.ppid)
	return nil
}

func (a *Arbiter) cleanupOrphans(ctx context.Context) {
	if a.opts.Orphans == nil {
		return
	}
	var pids []int
	for _, role := range []string{env.RoleDirtyArbiter, env.RoleDirtyWorker} {
		found, err := process.FindOrphans(ctx, a.opts.Orphans, role, a.opts.MasterPID, a.opts.PID)
		if err != nil {
			a.log.Warn("orphan scan failed", "role", role, "error", err)
			continue
		}
		for _, p := range found {
			a.log.Warn("found orphaned process", "pid", p.PID, "role", role, "master", p.MasterPID())
			pids = append(pids, p.PID)
		}
	}
	a.opts.Terminate(ctx, pids, a.notify)
}

// orphanGrace bounds the orphan wait to half the main arbiter's timeout
// for the dirty arbiter, which has not yet announced itself ready.
func orphanGrace(cfg *config.Config) time.Duration {
	return min(cfg.Dirty.GracefulTimeout, cfg.Timeout/2)
}

// Run starts the arbiter and drives it until it halts. Cancelling ctx is
// a graceful stop.
func (a *Arbiter) Run(ctx context.Context) error {
	if a.state == arbiter.StateStarting {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	defer close(a.done)
	defer a.closeListener()

	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()
	ctxDone := ctx.Done()

	a.Tick()
	for a.state != arbiter.StateHalted {
		select {
		case <-ctxDone:
			ctxDone = nil
			a.stop(true)
		case sig := <-a.opts.Signals:
			a.handleSignal(sig)
		case r := <-a.requests:
			v, err := r.fn()
			r.reply <- reply{v: v, err: err}
		case <-ticker.C:
		}
		a.Tick()
	}
	return nil
}

// Done is closed once Run has returned.
func (a *Arbiter) Done() <-chan struct{} { return a.done }

func (a *Arbiter) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM:
		a.stop(true)
	case syscall.SIGINT, syscall.SIGQUIT:
		a.stop(false)
	case syscall.SIGUSR1:
		a.pool.SignalAll(syscall.SIGUSR1)
	}
}

// Tick runs one reconciliation pass. Loop goroutine only.
func (a *Arbiter) Tick() {
	a.pool.Observe()
	a.pool.CheckTimeouts()
	for _, ex := range a.opts.Procs.Reap() {
		if r, ok := a.pool.Registry().Get(ex.PID); ok && r.Socket != "" {
			_ = os.Remove(r.Socket)
		}
		if !a.pool.Handle(ex) {
			a.log.Debug("reaped unknown child", "pid", ex.PID, "cause", ex.Cause)
		}
	}
	a.pool.EnforceDeadlines()

	if a.state == arbiter.StateRunning {
		if ppid := a.opts.Getppid(); ppid != a.ppid {
			a.log.Error("parent arbiter is gone, shutting down", "expected", a.ppid, "actual", ppid)
			a.stop(true)
		}
	}
	switch a.state {
	case arbiter.StateRunning:
		a.pool.Reconcile(a.target, a.opts.Generation, a.spawnWorker)
	case arbiter.StateStopping:
		if a.pool.Len() == 0 {
			a.state = arbiter.StateHalted
			a.log.Info("dirty arbiter halted")
		}
	}
	a.notify()
	a.publish()
}

func (a *Arbiter) notify() {
	if a.opts.Beat == nil {
		return
	}
	if err := a.opts.Beat.Notify(); err != nil {
		a.log.Error("heartbeat failed", "error", err)
	}
}

func (a *Arbiter) placement() map[int][]string {
	out := make(map[int][]string, a.pool.Len())
	for _, r := range a.pool.Records() {
		out[r.PID] = r.Apps
	}
	return out
}

func (a *Arbiter) spawnWorker() error {
	apps, err := Plan(a.cfg.Dirty.Apps, a.placement())
	if err != nil {
		a.planErr = err.Error()
		if a.planTarget != a.target {
			a.planTarget = a.target
			a.log.Warn("cannot place another dirty worker", "target", a.target, "live", len(a.pool.Live()), "reason", err)
		}
		return err
	}
	a.planErr, a.planTarget = "", 0
	var sock string
	_, err = a.pool.Spawn(a.opts.Generation,
		func(age uint64, hb *os.File) (process.Spec, error) {
			sock = a.workerSocket(age)
			return a.opts.Launcher.Spec(env.Boot{
				Role:       env.RoleDirtyWorker,
				Age:        age,
				Generation: a.opts.Generation,
				MasterPID:  a.opts.MasterPID,
				ParentPID:  a.opts.PID,
				Apps:       apps,
				Socket:     sock,
				Config:     *a.cfg,
			}, hb)
		},
		func(r registry.Record) *registry.DirtyRecord {
			return &registry.DirtyRecord{Record: r, Apps: apps, Socket: sock}
		})
	return err
}

func (a *Arbiter) workerSocket(age uint64) string {
	return fmt.Sprintf("%s.%d.%d", a.cfg.Dirty.Socket, a.opts.PID, age)
}

func (a *Arbiter) stop(graceful bool) {
	switch a.state {
	case arbiter.StateHalted:
		return
	case arbiter.StateStopping:
		if graceful {
			return
		}
	}
	a.state = arbiter.StateStopping
	a.closeListener()
	if graceful {
		a.log.Info("graceful stop", "grace", a.cfg.Dirty.GracefulTimeout)
		a.pool.RetireAll(syscall.SIGTERM, a.cfg.Dirty.GracefulTimeout, "shutdown")
		return
	}
	a.log.Info("quick stop")
	for _, r := range a.pool.Records() {
		r.Retiring = false
	}
	a.pool.RetireAll(syscall.SIGQUIT, a.cfg.Tick, "quick shutdown")
}

// closeListener stops routing and removes the socket path unless a newer
// dirty arbiter has already bound it.
func (a *Arbiter) closeListener() {
	if a.ln == nil {
		return
	}
	_ = a.ln.Close()
	a.ln = nil
	if fi, err := os.Stat(a.cfg.Dirty.Socket); err == nil && a.lnInfo != nil && os.SameFile(fi, a.lnInfo) {
		_ = os.Remove(a.cfg.Dirty.Socket)
	}
}

// State returns the current state. Loop goroutine only; others use
// Status.
func (a *Arbiter) State() arbiter.State { return a.state }

// call runs fn on the loop goroutine and waits for its result.
func (a *Arbiter) call(ctx context.Context, fn func() (any, error)) (any, error) {
	r := request{fn: fn, reply: make(chan reply, 1)}
	select {
	case a.requests <- r:
	case <-a.done:
		return nil, &Error{Code: CodeUnavailable, Message: "dirty arbiter halted"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-r.reply:
		return rep.v, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Destination is the worker chosen for one invocation.
type Destination struct {
	PID    int
	Socket string
}

// Route picks the worker for app.
func (a *Arbiter) Route(ctx context.Context, app string) (Destination, error) {
	v, err := a.call(ctx, func() (any, error) {
		if a.state != arbiter.StateRunning {
			return nil, &Error{Code: CodeUnavailable, Message: "dirty arbiter is " + a.state.String()}
		}
		w, err := a.router.Route(app, a.pool.Records())
		if err != nil {
			return nil, err
		}
		return Destination{PID: w.PID, Socket: w.Socket}, nil
	})
	if err != nil {
		return Destination{}, err
	}
	return v.(Destination), nil
}

// Scale changes the worker target by delta. Growth is limited to the
// workers the planner can place; if none can be placed nothing changes
// and a no-eligible-apps error is returned. The target never drops
// below one.
func (a *Arbiter) Scale(ctx context.Context, delta int) (arbiter.ScaleResult, error) {
	if delta == 0 {
		return arbiter.ScaleResult{}, &Error{Code: CodeBadRequest, Message: "count must not be zero"}
	}
	v, err := a.call(ctx, func() (any, error) {
		if a.state != arbiter.StateRunning {
			return nil, &Error{Code: CodeUnavailable, Message: "dirty arbiter is " + a.state.String()}
		}
		prev := a.target
		res := arbiter.ScaleResult{Previous: prev}
		if delta > 0 {
			pending := max(0, a.target-len(a.pool.Live()))
			plans, err := PlanN(a.cfg.Dirty.Apps, a.placement(), pending+delta)
			if err != nil {
				return nil, err
			}
			res.Added = max(0, len(plans)-pending)
			if res.Added == 0 {
				return nil, &Error{Code: CodeNoEligibleApps, Message: "every app is at its worker limit"}
			}
			a.target += res.Added
		} else {
			a.target = max(1, prev+delta)
			res.Removed = prev - a.target
		}
		res.Total = a.target
		a.log.Info("target workers changed", "previous", prev, "target", a.target)
		a.publish()
		return res, nil
	})
	if err != nil {
		return arbiter.ScaleResult{}, err
	}
	return v.(arbiter.ScaleResult), nil
}
