package arbiter

import (
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/history"
	"github.com/benoitc/gunicorn-sub001/internal/metrics"
	"github.com/benoitc/gunicorn-sub001/internal/process"
	"github.com/benoitc/gunicorn-sub001/internal/registry"
)

// Heartbeat is the arbiter's end of a worker liveness channel.
type Heartbeat interface {
	File() *os.File
	LastUpdate() (time.Time, error)
	Close() error
}

// HeartbeatFactory creates the channel for a worker about to be spawned.
type HeartbeatFactory func() (Heartbeat, error)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Name       string // metrics and log label
	Timeout    time.Duration
	Grace      time.Duration
	Procs      process.Manager
	Heartbeats HeartbeatFactory
	Log        *slog.Logger
	History    *history.Recorder
	Now        func() time.Time
}

// PoolStats counts lifecycle outcomes since the pool was created.
type PoolStats struct {
	Spawned       uint64 `json:"spawned"`
	Reaped        uint64 `json:"reaped"`
	Timeouts      uint64 `json:"timeouts"`
	SpawnFailures uint64 `json:"spawn_failures"`
}

// Pool owns one set of supervised children: their registry entries and
// heartbeat channels. The main arbiter runs one for HTTP workers and one
// for the dirty arbiter; the dirty arbiter runs one for task workers.
//
// A Pool is driven by a single control loop and is not safe for concurrent
// use.
type Pool[T registry.Entry] struct {
	PoolOptions
	// PickSurplus chooses n of the live current-generation children, age
	// ascending, to retire on scale-down. Nil retires the oldest.
	PickSurplus func(live []T, n int) []T

	reg   *registry.Registry[T]
	beats map[int]Heartbeat
	stats PoolStats
}

func NewPool[T registry.Entry](opts PoolOptions) *Pool[T] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	opts.Log = opts.Log.With("pool", opts.Name)
	return &Pool[T]{PoolOptions: opts, reg: registry.New[T](), beats: make(map[int]Heartbeat)}
}

func (p *Pool[T]) Registry() *registry.Registry[T] { return p.reg }

func (p *Pool[T]) Stats() PoolStats { return p.stats }

func (p *Pool[T]) Len() int { return p.reg.Len() }

// Spawn starts one child. build receives the reserved age and the
// heartbeat descriptor and returns the process spec; wrap turns the base
// record into the pool's entry type. Failures are counted and returned;
// the caller retries on a later tick.
func (p *Pool[T]) Spawn(gen int, build func(age uint64, hb *os.File) (process.Spec, error), wrap func(registry.Record) T) (T, error) {
	var zero T
	age := p.reg.NextAge()
	hb, err := p.Heartbeats()
	if err != nil {
		p.spawnFailed(age, err)
		return zero, err
	}
	spec, err := build(age, hb.File())
	if err != nil {
		_ = hb.Close()
		p.spawnFailed(age, err)
		return zero, err
	}
	pid, err := p.Procs.Spawn(spec)
	if err != nil {
		_ = hb.Close()
		p.spawnFailed(age, err)
		return zero, err
	}
	booted, err := hb.LastUpdate()
	if err != nil {
		booted = p.Now()
	}
	e := wrap(registry.Record{
		PID:           pid,
		Age:           age,
		Generation:    gen,
		BootedAt:      booted,
		LastHeartbeat: booted,
		Alive:         true,
	})
	p.reg.Add(e)
	p.beats[pid] = hb
	p.stats.Spawned++
	metrics.IncSpawn(p.Name)
	p.Log.Info("booted child", "pid", pid, "age", age, "generation", gen)
	p.History.Record(history.Event{Type: history.EventSpawn, Record: p.historyRecord(e)})
	return e, nil
}

func (p *Pool[T]) spawnFailed(age uint64, err error) {
	p.stats.SpawnFailures++
	metrics.IncSpawnFailure(p.Name)
	p.Log.Error("spawn failed, retrying next tick", "age", age, "error", err)
}

// Observe reads every heartbeat channel into the registry.
func (p *Pool[T]) Observe() {
	for pid, hb := range p.beats {
		t, err := hb.LastUpdate()
		if err != nil {
			continue
		}
		p.reg.Touch(pid, t)
	}
}

// CheckTimeouts kills every child whose last heartbeat is older than the
// pool timeout. The record stays until the process is reaped.
func (p *Pool[T]) CheckTimeouts() {
	if p.Timeout <= 0 {
		return
	}
	now := p.Now()
	for _, e := range p.reg.Sorted() {
		r := e.Base()
		if !r.Alive || now.Sub(r.LastHeartbeat) <= p.Timeout {
			continue
		}
		r.Alive = false
		r.Cause = string(process.CauseTimeout)
		p.stats.Timeouts++
		metrics.IncTimeout(p.Name)
		p.Log.Error("worker timeout, killing", "pid", r.PID, "age", r.Age, "silent_for", now.Sub(r.LastHeartbeat).Round(time.Millisecond))
		p.kill(r)
	}
}

// Handle consumes an exit if the pid belongs to this pool.
func (p *Pool[T]) Handle(ex process.Exit) bool {
	e, ok := p.reg.Remove(ex.PID)
	if !ok {
		return false
	}
	if hb, ok := p.beats[ex.PID]; ok {
		_ = hb.Close()
		delete(p.beats, ex.PID)
	}
	r := e.Base()
	cause := string(ex.Cause)
	if r.Cause != "" {
		cause = r.Cause
	}
	p.stats.Reaped++
	metrics.IncExit(p.Name, cause)

	attrs := []any{"pid", ex.PID, "age", r.Age, "cause", cause, "code", ex.Code}
	if ex.Signal != 0 {
		attrs = append(attrs, "signal", ex.Signal.String())
	}
	if ex.Cause == process.CauseNormal || (r.Retiring && ex.Cause == process.CauseSignaled) {
		p.Log.Info("child exited", attrs...)
	} else {
		p.Log.Warn("child exited unexpectedly", attrs...)
	}

	hr := p.historyRecord(e)
	hr.Cause = cause
	hr.ExitCode = ex.Code
	if ex.Signal != 0 {
		hr.Signal = ex.Signal.String()
	}
	p.History.Record(history.Event{Type: history.EventExit, Record: hr})
	return true
}

// Retire asks a child to stop with sig and arms a kill deadline.
func (p *Pool[T]) Retire(e T, sig syscall.Signal, grace time.Duration, reason string) {
	r := e.Base()
	if !r.Alive || r.Retiring {
		return
	}
	r.Retiring = true
	r.Deadline = p.Now().Add(grace)
	p.Log.Info("retiring child", "pid", r.PID, "age", r.Age, "reason", reason, "signal", sig.String())
	if err := p.Procs.Signal(r.PID, sig); err != nil {
		p.Log.Warn("signal failed", "pid", r.PID, "error", err)
	}
}

// RetireAll retires every live child.
func (p *Pool[T]) RetireAll(sig syscall.Signal, grace time.Duration, reason string) {
	for _, e := range p.reg.Sorted() {
		p.Retire(e, sig, grace, reason)
	}
}

// EnforceDeadlines kills retiring children past their deadline.
func (p *Pool[T]) EnforceDeadlines() {
	now := p.Now()
	for _, e := range p.reg.Sorted() {
		r := e.Base()
		if r.Retiring && r.Alive && !now.Before(r.Deadline) {
			r.Alive = false
			p.Log.Warn("grace period expired, killing", "pid", r.PID, "age", r.Age)
			p.kill(r)
		}
	}
}

// SignalAll forwards sig to every child still alive.
func (p *Pool[T]) SignalAll(sig syscall.Signal) {
	for _, e := range p.reg.Sorted() {
		r := e.Base()
		if !r.Alive {
			continue
		}
		if err := p.Procs.Signal(r.PID, sig); err != nil {
			p.Log.Warn("signal failed", "pid", r.PID, "signal", sig.String(), "error", err)
		}
	}
}

// Reconcile brings the number of live children of generation gen to
// target, spawning through spawn until it fails. Children of older
// generations are retired one by one as new ones become ready, so ready
// capacity never falls below target while a rolling replacement is under
// way. Surplus current-generation children are retired oldest first
// unless PickSurplus is set. It returns how many older-generation children
// are still serving.
func (p *Pool[T]) Reconcile(target, gen int, spawn func() error) int {
	current := func(e T) bool {
		r := e.Base()
		return r.Live() && r.Generation == gen
	}
	for n := p.reg.Count(current); n < target; n++ {
		if err := spawn(); err != nil {
			break
		}
	}

	old := p.reg.Select(func(e T) bool {
		r := e.Base()
		return r.Live() && r.Generation != gen
	})
	ready := p.reg.Count(func(e T) bool { return current(e) && e.Base().Ready })
	keep := max(0, target-ready)
	for i := 0; i < len(old)-keep; i++ {
		p.Retire(old[i], syscall.SIGTERM, p.Grace, "replaced")
	}

	if surplus := p.reg.Count(current) - target; surplus > 0 {
		victims := p.reg.Oldest(surplus, current)
		if p.PickSurplus != nil {
			victims = p.PickSurplus(p.reg.Select(current), surplus)
		}
		for _, e := range victims {
			p.Retire(e, syscall.SIGTERM, p.Grace, "scale-down")
		}
	}
	return min(len(old), keep)
}

// Live returns children that count toward capacity, age ascending.
func (p *Pool[T]) Live() []T {
	return p.reg.Select(func(e T) bool { return e.Base().Live() })
}

// Records returns every child, age ascending.
func (p *Pool[T]) Records() []T { return p.reg.Sorted() }

func (p *Pool[T]) kill(r *registry.Record) {
	if err := p.Procs.Signal(r.PID, syscall.SIGKILL); err != nil {
		p.Log.Warn("kill failed", "pid", r.PID, "error", err)
	}
}

func (p *Pool[T]) historyRecord(e T) history.Record {
	r := e.Base()
	hr := history.Record{Pool: p.Name, PID: r.PID, Age: r.Age, Generation: r.Generation}
	if d, ok := any(e).(*registry.DirtyRecord); ok {
		hr.Apps = d.Apps
	}
	return hr
}
