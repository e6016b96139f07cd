// Package arbiter implements the master control loop: it keeps the HTTP
// worker pool at its target size, supervises the dirty arbiter, reacts to
// signals and serves control requests, all from a single goroutine.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/env"
	"github.com/benoitc/gunicorn-sub001/internal/heartbeat"
	"github.com/benoitc/gunicorn-sub001/internal/history"
	"github.com/benoitc/gunicorn-sub001/internal/metrics"
	"github.com/benoitc/gunicorn-sub001/internal/process"
	"github.com/benoitc/gunicorn-sub001/internal/registry"
)

// ErrHalted is returned by control requests once the loop has stopped.
var ErrHalted = errors.New("arbiter halted")

const eventQueueSize = 16

// Options wires an Arbiter to its collaborators. Only Config is required.
type Options struct {
	Config     *config.Config
	ConfigPath string
	// Load re-reads the configuration on reload; defaults to config.Load.
	Load func(path string) (*config.Config, error)

	Procs      process.Manager
	Heartbeats HeartbeatFactory
	Launcher   Launcher
	// Listeners are the bound addresses, reported by "show listeners".
	Listeners []string
	// Signals delivers OS signals; nil means the caller feeds events with
	// Post instead.
	Signals <-chan os.Signal

	Log        *slog.Logger
	ReopenLogs func() error
	History    *history.Recorder
	Now        func() time.Time
	PID        int
}

// Arbiter is the main supervision loop.
type Arbiter struct {
	opts    Options
	cfg     *config.Config
	log     *slog.Logger
	signals map[syscall.Signal]config.Action

	workers *Pool[*registry.Record]
	dirty   *Pool[*registry.Record]

	state      State
	target     int
	generation int
	reloads    uint64
	startedAt  time.Time
	pidfile    process.PIDFile

	events   chan Event
	requests chan request
	done     chan struct{}
	snap     atomic.Pointer[Snapshot]
}

type request struct {
	fn    func() (any, error)
	reply chan reply
}

type reply struct {
	v   any
	err error
}

// New builds an Arbiter in the Starting state.
func New(opts Options) (*Arbiter, error) {
	if opts.Config == nil {
		return nil, errors.New("arbiter: config is required")
	}
	if opts.Load == nil {
		opts.Load = config.Load
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
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	cfg := opts.Config
	if opts.Heartbeats == nil {
		dir := cfg.WorkerTmpDir
		opts.Heartbeats = func() (Heartbeat, error) { return heartbeat.New(dir) }
	}
	sigs, err := config.ParseSignals(cfg.Signals)
	if err != nil {
		return nil, err
	}

	a := &Arbiter{
		opts:       opts,
		cfg:        cfg,
		log:        opts.Log.With("component", "arbiter"),
		signals:    sigs,
		target:     cfg.Workers,
		generation: 1,
		pidfile:    process.PIDFile{Path: cfg.PIDFile},
		events:     make(chan Event, eventQueueSize),
		requests:   make(chan request),
		done:       make(chan struct{}),
	}
	a.workers = NewPool[*registry.Record](PoolOptions{
		Name:       metrics.PoolHTTP,
		Timeout:    cfg.Timeout,
		Grace:      cfg.GracefulTimeout,
		Procs:      opts.Procs,
		Heartbeats: opts.Heartbeats,
		Log:        opts.Log,
		History:    opts.History,
		Now:        opts.Now,
	})
	a.dirty = NewPool[*registry.Record](PoolOptions{
		Name:       metrics.PoolRoot,
		Timeout:    cfg.Timeout,
		Grace:      cfg.Dirty.GracefulTimeout,
		Procs:      opts.Procs,
		Heartbeats: opts.Heartbeats,
		Log:        opts.Log,
		History:    opts.History,
		Now:        opts.Now,
	})
	a.publish()
	return a, nil
}

// Start writes the pid file and moves to Running. It is the only step
// allowed to fail fatally.
func (a *Arbiter) Start() error {
	if a.state != StateStarting {
		return fmt.Errorf("arbiter already %s", a.state)
	}
	if err := a.pidfile.Create(a.opts.PID); err != nil {
		return err
	}
	a.startedAt = a.opts.Now()
	a.setState(StateRunning)
	a.log.Info("arbiter started", "pid", a.opts.PID, "workers", a.target, "listeners", a.opts.Listeners)
	return nil
}

// Run starts the arbiter and drives it until it halts. Cancelling ctx is
// a graceful stop.
func (a *Arbiter) Run(ctx context.Context) error {
	if a.state == StateStarting {
		if err := a.Start(); err != nil {
			return err
		}
	}
	defer close(a.done)

	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()
	ctxDone := ctx.Done()

	a.Tick()
	for a.state != StateHalted {
		select {
		case <-ctxDone:
			ctxDone = nil
			a.Handle(EventGracefulStop)
		case sig := <-a.opts.Signals:
			a.handleSignal(sig)
		case ev := <-a.events:
			a.Handle(ev)
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

// Post queues an event for the loop without blocking. Events are dropped
// when the queue is full; the next tick still reconciles.
func (a *Arbiter) Post(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn("event queue full, dropping event", "event", ev.String())
	}
}

func (a *Arbiter) handleSignal(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	if s == syscall.SIGCHLD {
		// the tick that follows reaps
		return
	}
	action, ok := a.signals[s]
	if !ok {
		a.log.Debug("ignoring unmapped signal", "signal", s.String())
		return
	}
	ev, _ := EventFor(action)
	a.log.Info("handling signal", "signal", s.String(), "event", ev.String())
	a.Handle(ev)
}

// Handle applies ev. It must only be called from the loop goroutine.
func (a *Arbiter) Handle(ev Event) {
	switch ev {
	case EventReload:
		a.reload()
	case EventGracefulStop:
		a.stop(true)
	case EventQuickStop:
		a.stop(false)
	case EventReopenLogs:
		a.reopen()
	case EventScaleUp:
		if a.accepting() {
			a.setTarget(a.target + 1)
		}
	case EventScaleDown:
		if a.accepting() {
			a.setTarget(max(1, a.target-1))
		}
	case EventChildExited:
	}
}

// Tick runs one reconciliation pass. It must only be called from the
// loop goroutine.
func (a *Arbiter) Tick() {
	a.workers.Observe()
	a.dirty.Observe()
	a.workers.CheckTimeouts()
	a.dirty.CheckTimeouts()

	for _, ex := range a.opts.Procs.Reap() {
		if !a.workers.Handle(ex) && !a.dirty.Handle(ex) {
			a.log.Debug("reaped unknown child", "pid", ex.PID, "cause", ex.Cause)
		}
	}
	a.workers.EnforceDeadlines()
	a.dirty.EnforceDeadlines()

	switch a.state {
	case StateRunning, StateReloading:
		oldWorkers := a.workers.Reconcile(a.target, a.generation, a.spawnWorker)
		oldDirty := a.dirty.Reconcile(a.dirtyTarget(), a.generation, a.spawnDirtyArbiter)
		if a.state == StateReloading && oldWorkers == 0 && oldDirty == 0 {
			a.setState(StateRunning)
		}
	case StateStopping:
		if a.workers.Len() == 0 && a.dirty.Len() == 0 {
			a.halt()
		}
	}
	a.publish()
}

func (a *Arbiter) accepting() bool {
	return a.state == StateRunning || a.state == StateReloading
}

func (a *Arbiter) dirtyTarget() int {
	if a.cfg.Dirty.Enabled() {
		return 1
	}
	return 0
}

func (a *Arbiter) boot(role string, age uint64) env.Boot {
	return env.Boot{
		Role:       role,
		Age:        age,
		Generation: a.generation,
		MasterPID:  a.opts.PID,
		ParentPID:  a.opts.PID,
		Listeners:  a.opts.Listeners,
		Config:     *a.cfg,
	}
}

func (a *Arbiter) spawnWorker() error {
	_, err := a.workers.Spawn(a.generation,
		func(age uint64, hb *os.File) (process.Spec, error) {
			return a.opts.Launcher.Spec(a.boot(env.RoleWorker, age), hb)
		},
		func(r registry.Record) *registry.Record { return &r })
	return err
}

func (a *Arbiter) spawnDirtyArbiter() error {
	_, err := a.dirty.Spawn(a.generation,
		func(age uint64, hb *os.File) (process.Spec, error) {
			return a.opts.Launcher.Spec(a.boot(env.RoleDirtyArbiter, age), hb)
		},
		func(r registry.Record) *registry.Record { return &r })
	return err
}

func (a *Arbiter) setState(s State) {
	if a.state == s {
		return
	}
	a.log.Info("state transition", "from", a.state.String(), "to", s.String())
	a.state = s
}

func (a *Arbiter) setTarget(n int) {
	if n == a.target {
		return
	}
	a.log.Info("target workers changed", "previous", a.target, "target", n)
	a.target = n
}

func (a *Arbiter) reload() {
	if !a.accepting() {
		a.log.Warn("reload ignored", "state", a.state.String())
		return
	}
	cfg, err := a.opts.Load(a.opts.ConfigPath)
	if err != nil {
		a.log.Error("reload failed, keeping current configuration", "error", err)
		return
	}
	sigs, err := config.ParseSignals(cfg.Signals)
	if err != nil {
		a.log.Error("reload failed, keeping current configuration", "error", err)
		return
	}
	if !slices.Equal(cfg.Bind, a.cfg.Bind) {
		a.log.Warn("bind addresses cannot change on reload; restart to apply", "bind", cfg.Bind)
		cfg.Bind = a.cfg.Bind
	}
	a.cfg = cfg
	a.signals = sigs
	a.workers.Timeout, a.workers.Grace = cfg.Timeout, cfg.GracefulTimeout
	a.dirty.Timeout, a.dirty.Grace = cfg.Timeout, cfg.Dirty.GracefulTimeout
	a.generation++
	a.reloads++
	a.setTarget(cfg.Workers)
	a.setState(StateReloading)
	metrics.IncReload()
	a.opts.History.Record(history.Event{Type: history.EventReload, Record: history.Record{Pool: metrics.PoolHTTP, PID: a.opts.PID, Generation: a.generation}})
}

func (a *Arbiter) stop(graceful bool) {
	switch a.state {
	case StateHalted:
		return
	case StateStopping:
		if graceful {
			return
		}
	}
	a.setState(StateStopping)
	if graceful {
		a.log.Info("graceful stop", "grace", a.cfg.GracefulTimeout)
		a.workers.RetireAll(syscall.SIGTERM, a.cfg.GracefulTimeout, "shutdown")
		a.dirty.RetireAll(syscall.SIGTERM, a.cfg.Dirty.GracefulTimeout, "shutdown")
		return
	}
	a.log.Info("quick stop")
	for _, p := range []*Pool[*registry.Record]{a.workers, a.dirty} {
		for _, r := range p.Records() {
			// children already retiring get the short deadline too
			r.Retiring = false
		}
		p.RetireAll(syscall.SIGQUIT, a.cfg.Tick, "quick shutdown")
	}
}

func (a *Arbiter) halt() {
	a.pidfile.Remove(a.opts.PID)
	a.setState(StateHalted)
	a.log.Info("arbiter halted")
}

func (a *Arbiter) reopen() {
	if a.opts.ReopenLogs != nil {
		if err := a.opts.ReopenLogs(); err != nil {
			a.log.Error("reopen logs failed", "error", err)
		}
	}
	a.workers.SignalAll(syscall.SIGUSR1)
	a.dirty.SignalAll(syscall.SIGUSR1)
	a.log.Info("log files reopened")
}

// State returns the current state. Loop goroutine only; others use
// Snapshot.
func (a *Arbiter) State() State { return a.state }
