package arbiter

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/metrics"
	"github.com/benoitc/gunicorn-sub001/internal/registry"
)

// WorkerInfo is the read-only view of a worker record.
type WorkerInfo struct {
	PID           int       `json:"pid"`
	Age           uint64    `json:"age"`
	Generation    int       `json:"generation"`
	BootedAt      time.Time `json:"booted_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Alive         bool      `json:"alive"`
	Ready         bool      `json:"ready"`
	Retiring      bool      `json:"retiring"`
}

// Stats aggregates lifecycle counters.
type Stats struct {
	Workers      PoolStats `json:"workers"`
	DirtyArbiter PoolStats `json:"dirty_arbiter"`
	Reloads      uint64    `json:"reloads"`
	Uptime       string    `json:"uptime"`
}

// Snapshot is published after every tick and every control request, so
// connection handlers can answer queries without touching loop state.
type Snapshot struct {
	PID          int           `json:"pid"`
	State        string        `json:"state"`
	StartedAt    time.Time     `json:"started_at"`
	Target       int           `json:"target_workers"`
	Generation   int           `json:"generation"`
	Workers      []WorkerInfo  `json:"workers"`
	DirtyArbiter *WorkerInfo   `json:"dirty_arbiter,omitempty"`
	Listeners    []string      `json:"listeners"`
	Stats        Stats         `json:"stats"`
	Config       config.Config `json:"-"`
}

func info(r *registry.Record) WorkerInfo {
	return WorkerInfo{
		PID:           r.PID,
		Age:           r.Age,
		Generation:    r.Generation,
		BootedAt:      r.BootedAt,
		LastHeartbeat: r.LastHeartbeat,
		Alive:         r.Alive,
		Ready:         r.Ready,
		Retiring:      r.Retiring,
	}
}

func (a *Arbiter) publish() {
	s := &Snapshot{
		PID:        a.opts.PID,
		State:      a.state.String(),
		StartedAt:  a.startedAt,
		Target:     a.target,
		Generation: a.generation,
		Listeners:  a.opts.Listeners,
		Config:     *a.cfg,
		Stats: Stats{
			Workers:      a.workers.Stats(),
			DirtyArbiter: a.dirty.Stats(),
			Reloads:      a.reloads,
		},
	}
	if !a.startedAt.IsZero() {
		s.Stats.Uptime = a.opts.Now().Sub(a.startedAt).Round(time.Second).String()
	}
	for _, r := range a.workers.Records() {
		s.Workers = append(s.Workers, info(r))
	}
	for _, r := range a.dirty.Records() {
		if r.Live() || s.DirtyArbiter == nil {
			wi := info(r)
			s.DirtyArbiter = &wi
		}
	}
	a.snap.Store(s)
	metrics.SetWorkers(metrics.PoolHTTP, len(a.workers.Live()), a.target)
	metrics.SetWorkers(metrics.PoolRoot, len(a.dirty.Live()), a.dirtyTarget())
}

// Snapshot returns the latest published state. Safe from any goroutine.
func (a *Arbiter) Snapshot() *Snapshot { return a.snap.Load() }

// ScaleResult summarizes a worker count change.
type ScaleResult struct {
	Added    int `json:"added,omitempty"`
	Removed  int `json:"removed,omitempty"`
	Previous int `json:"previous"`
	Total    int `json:"total"`
}

// call runs fn on the loop goroutine and waits for its result.
func (a *Arbiter) call(ctx context.Context, fn func() (any, error)) (any, error) {
	r := request{fn: fn, reply: make(chan reply, 1)}
	select {
	case a.requests <- r:
	case <-a.done:
		return nil, ErrHalted
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

func (a *Arbiter) scale(ctx context.Context, delta int) (ScaleResult, error) {
	v, err := a.call(ctx, func() (any, error) {
		if !a.accepting() {
			return nil, fmt.Errorf("cannot scale while %s", a.state)
		}
		prev := a.target
		a.setTarget(max(1, prev+delta))
		res := ScaleResult{Previous: prev, Total: a.target}
		if a.target > prev {
			res.Added = a.target - prev
		} else {
			res.Removed = prev - a.target
		}
		a.publish()
		return res, nil
	})
	if err != nil {
		return ScaleResult{}, err
	}
	return v.(ScaleResult), nil
}

// AddWorkers raises the target by n. Workers are spawned on the next tick.
func (a *Arbiter) AddWorkers(ctx context.Context, n int) (ScaleResult, error) {
	if n < 1 {
		return ScaleResult{}, errors.New("count must be at least 1")
	}
	return a.scale(ctx, n)
}

// RemoveWorkers lowers the target by n, never below one worker.
func (a *Arbiter) RemoveWorkers(ctx context.Context, n int) (ScaleResult, error) {
	if n < 1 {
		return ScaleResult{}, errors.New("count must be at least 1")
	}
	return a.scale(ctx, -n)
}

// KillWorker gracefully stops one worker; the loop replaces it.
func (a *Arbiter) KillWorker(ctx context.Context, pid int) error {
	_, err := a.call(ctx, func() (any, error) {
		r, ok := a.workers.Registry().Get(pid)
		if !ok {
			return nil, fmt.Errorf("no worker with pid %d", pid)
		}
		if r.Retiring || !r.Alive {
			return nil, fmt.Errorf("worker %d is already stopping", pid)
		}
		a.workers.Retire(r, syscall.SIGTERM, a.cfg.GracefulTimeout, "killed by operator")
		a.publish()
		return nil, nil
	})
	return err
}

// Reload queues a configuration reload.
func (a *Arbiter) Reload(context.Context) error { return a.post(EventReload) }

// Reopen queues a log reopen.
func (a *Arbiter) Reopen(context.Context) error { return a.post(EventReopenLogs) }

// Shutdown queues a graceful or quick stop.
func (a *Arbiter) Shutdown(_ context.Context, graceful bool) error {
	if graceful {
		return a.post(EventGracefulStop)
	}
	return a.post(EventQuickStop)
}

func (a *Arbiter) post(ev Event) error {
	select {
	case <-a.done:
		return ErrHalted
	default:
	}
	select {
	case a.events <- ev:
		return nil
	default:
		return errors.New("event queue full, try again")
	}
}
