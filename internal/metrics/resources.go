package metrics

import (
	"context"
	"strconv"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one worker's resource snapshot.
type Usage struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	NumThreads int32   `json:"num_threads"`
}

// Target identifies a worker to sample.
type Target struct {
	PID int
	Age uint64
}

// Sampler reads per-worker CPU and memory through gopsutil and publishes
// them as gauges. Gauges of workers that disappeared are deleted.
type Sampler struct {
	pool string
	mu   sync.Mutex
	last map[string]struct{}
}

func NewSampler(pool string) *Sampler {
	return &Sampler{pool: pool, last: make(map[string]struct{})}
}

// Sample collects usage for every target. Processes that vanished between
// listing and sampling are skipped.
func (s *Sampler) Sample(ctx context.Context, targets []Target) []Usage {
	out := make([]Usage, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		p, err := process.NewProcessWithContext(ctx, int32(t.PID))
		if err != nil {
			continue
		}
		u := Usage{PID: t.PID}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			u.RSSBytes = mi.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			u.CPUPercent = cpu
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			u.NumThreads = n
		}
		out = append(out, u)

		age := strconv.FormatUint(t.Age, 10)
		seen[age] = struct{}{}
		if regOK.Load() {
			workerRSS.WithLabelValues(s.pool, age).Set(float64(u.RSSBytes))
			workerCPU.WithLabelValues(s.pool, age).Set(u.CPUPercent)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if regOK.Load() {
		for age := range s.last {
			if _, ok := seen[age]; !ok {
				workerRSS.DeleteLabelValues(s.pool, age)
				workerCPU.DeleteLabelValues(s.pool, age)
			}
		}
	}
	s.last = seen
	return out
}
