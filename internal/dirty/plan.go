package dirty

import (
	"fmt"
	"slices"
	"strings"

	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/registry"
)

// Plan returns the apps a newly spawned worker should load: every
// unlimited app, plus every limited app loaded by fewer workers than its
// limit. placement maps each existing worker (retiring ones included) to
// its loaded apps. The result follows configuration order.
func Plan(apps []config.AppConfig, placement map[int][]string) ([]string, error) {
	loaded := make(map[string]int, len(apps))
	for _, set := range placement {
		for _, name := range set {
			loaded[name]++
		}
	}
	return plan(apps, loaded)
}

func plan(apps []config.AppConfig, loaded map[string]int) ([]string, error) {
	if len(apps) == 0 {
		return nil, &Error{Code: CodeNoEligibleApps, Message: "no dirty apps are configured"}
	}
	var out []string
	for _, a := range apps {
		if !a.Limited() || loaded[a.Name] < a.Workers {
			out = append(out, a.Name)
		}
	}
	if len(out) == 0 {
		full := make([]string, 0, len(apps))
		for _, a := range apps {
			full = append(full, fmt.Sprintf("%s %d/%d", a.Name, loaded[a.Name], a.Workers))
		}
		return nil, &Error{
			Code:    CodeNoEligibleApps,
			Message: "every app is at its worker limit (" + strings.Join(full, ", ") + ")",
		}
	}
	return out, nil
}

// PlanN simulates n successive spawns on top of placement and returns the
// app set of each worker that could be placed. It fails only when not
// even one worker can be placed.
func PlanN(apps []config.AppConfig, placement map[int][]string, n int) ([][]string, error) {
	loaded := make(map[string]int, len(apps))
	for _, set := range placement {
		for _, name := range set {
			loaded[name]++
		}
	}
	var out [][]string
	for range n {
		set, err := plan(apps, loaded)
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			break
		}
		for _, name := range set {
			loaded[name]++
		}
		out = append(out, set)
	}
	return out, nil
}

// Surplus picks n workers to retire on scale-down. Workers hosting no
// limited app go first, then workers whose limited apps stay loaded on a
// remaining worker, and last the sole hosts of a limited app. Ties go to
// the oldest. workers must be sorted by age ascending.
func Surplus(apps []config.AppConfig, workers []*registry.DirtyRecord, n int) []*registry.DirtyRecord {
	limited := make(map[string]bool, len(apps))
	for _, a := range apps {
		if a.Limited() {
			limited[a.Name] = true
		}
	}
	hosts := make(map[string]int, len(limited))
	for _, w := range workers {
		for _, name := range w.Apps {
			if limited[name] {
				hosts[name]++
			}
		}
	}
	cost := func(w *registry.DirtyRecord) int {
		c := 0
		for _, name := range w.Apps {
			if !limited[name] {
				continue
			}
			if hosts[name] <= 1 {
				return 2
			}
			c = 1
		}
		return c
	}

	remaining := slices.Clone(workers)
	var out []*registry.DirtyRecord
	for len(out) < n && len(remaining) > 0 {
		best := 0
		for i := 1; i < len(remaining); i++ {
			if cost(remaining[i]) < cost(remaining[best]) {
				best = i
			}
		}
		w := remaining[best]
		for _, name := range w.Apps {
			if limited[name] {
				hosts[name]--
			}
		}
		out = append(out, w)
		remaining = slices.Delete(remaining, best, best+1)
	}
	return out
}

// Router picks a worker for each invocation. For every app it cycles
// through the eligible workers in age order, continuing after the worker
// it picked last; an app that was never routed starts at the lowest age.
// Only the owning loop uses a Router.
type Router struct {
	last map[string]uint64
}

func NewRouter() *Router {
	return &Router{last: make(map[string]uint64)}
}

// Route returns the next ready, live worker hosting app. workers must be
// sorted by age ascending.
func (r *Router) Route(app string, workers []*registry.DirtyRecord) (*registry.DirtyRecord, error) {
	var eligible []*registry.DirtyRecord
	for _, w := range workers {
		if w.Live() && w.Ready && w.Hosts(app) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return nil, &Error{Code: CodeNoWorkerForApp, Message: fmt.Sprintf("no ready worker hosts app %q", app)}
	}
	pick := eligible[0]
	if last, ok := r.last[app]; ok {
		if i := slices.IndexFunc(eligible, func(w *registry.DirtyRecord) bool { return w.Age > last }); i >= 0 {
			pick = eligible[i]
		}
	}
	r.last[app] = pick.Age
	return pick, nil
}
