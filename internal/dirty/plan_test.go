package dirty

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/registry"
)

func TestPlanLimitedAndUnlimited(t *testing.T) {
	apps := []config.AppConfig{{Name: "ml", Workers: 2}, {Name: "render"}}

	placement := map[int][]string{}
	for pid := 1; pid <= 4; pid++ {
		set, err := Plan(apps, placement)
		require.NoError(t, err)
		placement[pid] = set
	}
	assert.Equal(t, []string{"ml", "render"}, placement[1])
	assert.Equal(t, []string{"ml", "render"}, placement[2])
	assert.Equal(t, []string{"render"}, placement[3])
	assert.Equal(t, []string{"render"}, placement[4])
}

func TestPlanNoEligibleApps(t *testing.T) {
	apps := []config.AppConfig{{Name: "a", Workers: 1}, {Name: "b", Workers: 1}}
	_, err := Plan(apps, map[int][]string{10: {"a", "b"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoEligibleApps))
	assert.Contains(t, err.Error(), "a 1/1")

	_, err = Plan(nil, nil)
	assert.ErrorIs(t, err, ErrNoEligibleApps)
}

func TestPlanN(t *testing.T) {
	apps := []config.AppConfig{{Name: "a", Workers: 3}}
	plans, err := PlanN(apps, map[int][]string{1: {"a"}}, 5)
	require.NoError(t, err)
	assert.Len(t, plans, 2)

	_, err = PlanN(apps, map[int][]string{1: {"a"}, 2: {"a"}, 3: {"a"}}, 1)
	assert.ErrorIs(t, err, ErrNoEligibleApps)

	plans, err = PlanN([]config.AppConfig{{Name: "u"}}, nil, 4)
	require.NoError(t, err)
	assert.Len(t, plans, 4)
}

func dirtyRecords(apps ...[]string) []*registry.DirtyRecord {
	var out []*registry.DirtyRecord
	for i, set := range apps {
		out = append(out, &registry.DirtyRecord{
			Record: registry.Record{PID: 100 + i, Age: uint64(i + 1), Alive: true, Ready: true},
			Apps:   set,
		})
	}
	return out
}

func TestSurplusKeepsLimitedAppsHosted(t *testing.T) {
	apps := []config.AppConfig{{Name: "ml", Workers: 2}, {Name: "render"}}
	ws := dirtyRecords([]string{"ml", "render"}, []string{"ml", "render"}, []string{"render"}, []string{"render"})

	got := Surplus(apps, ws, 2)
	assert.Equal(t, []*registry.DirtyRecord{ws[2], ws[3]}, got)

	// with only shared hosts left, one ml host may go but not both
	got = Surplus(apps, ws[:2], 1)
	assert.Equal(t, []*registry.DirtyRecord{ws[0]}, got)

	got = Surplus(apps, ws, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []*registry.DirtyRecord{ws[2], ws[3], ws[0]}, got)
}

func TestSurplusSoleHostsGoLast(t *testing.T) {
	apps := []config.AppConfig{{Name: "a", Workers: 1}, {Name: "b", Workers: 1}, {Name: "u"}}
	ws := dirtyRecords([]string{"a", "u"}, []string{"b", "u"}, []string{"u"})

	assert.Equal(t, []*registry.DirtyRecord{ws[2]}, Surplus(apps, ws, 1))
	assert.Equal(t, []*registry.DirtyRecord{ws[2], ws[0]}, Surplus(apps, ws, 2))
	assert.Len(t, Surplus(apps, ws, 5), 3)
}

func TestRouterAlternatesBetweenHosts(t *testing.T) {
	workers := dirtyRecords(
		[]string{"ml", "render"},
		[]string{"ml", "render"},
		[]string{"render"},
		[]string{"render"},
	)
	r := NewRouter()
	var pids []int
	for range 5 {
		w, err := r.Route("ml", workers)
		require.NoError(t, err)
		pids = append(pids, w.PID)
	}
	assert.Equal(t, []int{100, 101, 100, 101, 100}, pids)

	// a separate rotation per app, starting at the lowest age
	w, err := r.Route("render", workers)
	require.NoError(t, err)
	assert.Equal(t, 100, w.PID)
}

func TestRouterSkipsUnavailableWorkers(t *testing.T) {
	workers := dirtyRecords([]string{"a"}, []string{"a"}, []string{"a"})
	workers[0].Ready = false
	workers[2].Retiring = true

	r := NewRouter()
	for range 3 {
		w, err := r.Route("a", workers)
		require.NoError(t, err)
		assert.Equal(t, 101, w.PID)
	}

	_, err := r.Route("missing", workers)
	assert.ErrorIs(t, err, ErrNoWorkerForApp)
}

func TestRouterContinuesAfterMembershipChange(t *testing.T) {
	workers := dirtyRecords([]string{"a"}, []string{"a"}, []string{"a"})
	r := NewRouter()
	w, _ := r.Route("a", workers)
	assert.Equal(t, 100, w.PID)

	// the next worker in line went away
	workers = append(workers[:1], workers[2:]...)
	w, _ = r.Route("a", workers)
	assert.Equal(t, 102, w.PID)
	w, _ = r.Route("a", workers)
	assert.Equal(t, 100, w.PID)
}
