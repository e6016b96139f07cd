package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool label values.
const (
	PoolHTTP  = "http"
	PoolDirty = "dirty"
	PoolRoot  = "dirty-arbiter"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gunicorn",
			Subsystem: "arbiter",
			Name:      "workers",
			Help:      "Live workers per pool.",
		}, []string{"pool"},
	)
	targetWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gunicorn",
			Subsystem: "arbiter",
			Name:      "target_workers",
			Help:      "Configured worker count per pool.",
		}, []string{"pool"},
	)
	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gunicorn",
			Subsystem: "arbiter",
			Name:      "spawns_total",
			Help:      "Successful worker spawns.",
		}, []string{"pool"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gunicorn",
			Subsystem: "arbiter",
			Name:      "spawn_failures_total",
			Help:      "Worker spawns that failed before a pid existed.",
		}, []string{"pool"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gunicorn",
			Subsystem: "arbiter",
			Name:      "exits_total",
			Help:      "Reaped workers by exit cause.",
		}, []string{"pool", "cause"},
	)
	timeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gunicorn",
			Subsystem: "arbiter",
			Name:      "timeouts_total",
			Help:      "Workers killed for missing their heartbeat.",
		}, []string{"pool"},
	)
	reloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gunicorn",
			Subsystem: "arbiter",
			Name:      "reloads_total",
			Help:      "Configuration reloads.",
		},
	)
	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gunicorn",
			Subsystem: "dirty",
			Name:      "invocations_total",
			Help:      "Dirty app invocations by outcome.",
		}, []string{"app", "outcome"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gunicorn",
			Subsystem: "dirty",
			Name:      "invocation_duration_seconds",
			Help:      "Time from request to final result or error.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"app"},
	)
	controlCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gunicorn",
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Control socket commands by status.",
		}, []string{"command", "status"},
	)
	workerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gunicorn",
			Subsystem: "worker",
			Name:      "rss_bytes",
			Help:      "Resident memory of a live worker.",
		}, []string{"pool", "age"},
	)
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gunicorn",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of a live worker since it started.",
		}, []string{"pool", "age"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workers, targetWorkers, spawns, spawnFailures, exits, timeouts, reloads,
		invocations, invocationDuration, controlCommands, workerRSS, workerCPU}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func SetWorkers(pool string, live, target int) {
	if regOK.Load() {
		workers.WithLabelValues(pool).Set(float64(live))
		targetWorkers.WithLabelValues(pool).Set(float64(target))
	}
}

func IncSpawn(pool string) {
	if regOK.Load() {
		spawns.WithLabelValues(pool).Inc()
	}
}

func IncSpawnFailure(pool string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(pool).Inc()
	}
}

func IncExit(pool, cause string) {
	if regOK.Load() {
		exits.WithLabelValues(pool, cause).Inc()
	}
}

func IncTimeout(pool string) {
	if regOK.Load() {
		timeouts.WithLabelValues(pool).Inc()
	}
}

func IncReload() {
	if regOK.Load() {
		reloads.Inc()
	}
}

func ObserveInvocation(app, outcome string, seconds float64) {
	if regOK.Load() {
		invocations.WithLabelValues(app, outcome).Inc()
		invocationDuration.WithLabelValues(app).Observe(seconds)
	}
}

func IncControlCommand(command, status string) {
	if regOK.Load() {
		controlCommands.WithLabelValues(command, status).Inc()
	}
}
