package dirty

import (
	"slices"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/arbiter"
	"github.com/benoitc/gunicorn-sub001/internal/metrics"
)

// WorkerStatus is the read-only view of one dirty worker.
type WorkerStatus struct {
	PID           int       `json:"pid"`
	Age           uint64    `json:"age"`
	Generation    int       `json:"generation"`
	Apps          []string  `json:"apps"`
	Socket        string    `json:"socket"`
	BootedAt      time.Time `json:"booted_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Ready         bool      `json:"ready"`
	Retiring      bool      `json:"retiring"`
}

// AppStatus reports how many workers load an app against its limit
// (zero means unlimited).
type AppStatus struct {
	Name    string `json:"name"`
	Limit   int    `json:"limit"`
	Workers int    `json:"workers"`
}

// Status is the dirty arbiter state answered to status frames.
type Status struct {
	PID       int               `json:"pid"`
	State     string            `json:"state"`
	Target    int               `json:"target_workers"`
	Workers   []WorkerStatus    `json:"workers"`
	Apps      []AppStatus       `json:"apps"`
	PlanError string            `json:"plan_error,omitempty"`
	Stats     arbiter.PoolStats `json:"stats"`
}

func (a *Arbiter) publish() {
	s := &Status{
		PID:       a.opts.PID,
		State:     a.state.String(),
		Target:    a.target,
		PlanError: a.planErr,
		Stats:     a.pool.Stats(),
	}
	records := a.pool.Records()
	for _, r := range records {
		s.Workers = append(s.Workers, WorkerStatus{
			PID:           r.PID,
			Age:           r.Age,
			Generation:    r.Generation,
			Apps:          slices.Clone(r.Apps),
			Socket:        r.Socket,
			BootedAt:      r.BootedAt,
			LastHeartbeat: r.LastHeartbeat,
			Ready:         r.Ready,
			Retiring:      r.Retiring,
		})
	}
	for _, app := range a.cfg.Dirty.Apps {
		st := AppStatus{Name: app.Name, Limit: app.Workers}
		for _, r := range records {
			if r.Hosts(app.Name) {
				st.Workers++
			}
		}
		s.Apps = append(s.Apps, st)
	}
	a.status.Store(s)
	metrics.SetWorkers(metrics.PoolDirty, len(a.pool.Live()), a.target)
}

// Status returns the latest published state. Safe from any goroutine.
func (a *Arbiter) Status() *Status { return a.status.Load() }
