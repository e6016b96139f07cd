package supervise

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/benoitc/gunicorn-sub001/internal/arbiter"
	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/control"
	"github.com/benoitc/gunicorn-sub001/internal/history"
	"github.com/benoitc/gunicorn-sub001/internal/history/factory"
	"github.com/benoitc/gunicorn-sub001/internal/logger"
	"github.com/benoitc/gunicorn-sub001/internal/metrics"
)

// MasterOptions configures RunMaster.
type MasterOptions struct {
	ConfigPath string
	// Config overrides loading ConfigPath.
	Config *config.Config
}

// LoggerConfig maps the log section onto a logger configuration. Children
// pass child=true: only the arbiter writes the log file, children log to
// stderr.
func LoggerConfig(c config.LogConfig, child bool) logger.Config {
	lc := logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		Color:      c.Color,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
	if child {
		lc.File = ""
		lc.Color = false
	}
	return lc
}

// masterSignals are always delivered to the loop; the configured mapping
// decides what they mean.
var masterSignals = []os.Signal{
	syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
	syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTTIN, syscall.SIGTTOU,
	syscall.SIGWINCH, syscall.SIGCHLD,
}

// RunMaster binds the listeners, starts the arbiter with its control
// socket, metrics and history services, and blocks until it halts.
func RunMaster(ctx context.Context, opts MasterOptions) error {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return err
		}
	}
	lg := logger.New(LoggerConfig(cfg.Log, false), os.Stderr)
	defer func() { _ = lg.Close() }()
	log := lg.Logger

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	mode, err := cfg.SocketMode()
	if err != nil {
		return err
	}

	lns, files, err := Bind(cfg.Bind)
	if err != nil {
		return err
	}
	defer func() {
		for _, ln := range lns {
			_ = ln.Close()
		}
		for _, f := range files {
			_ = f.Close()
		}
	}()

	var rec *history.Recorder
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		rec = history.NewRecorder(log, 0, sink)
		defer func() { _ = rec.Close() }()
	}

	table, err := config.ParseSignals(cfg.Signals)
	if err != nil {
		return err
	}
	notify := slices.Clone(masterSignals)
	for sig := range table {
		notify = append(notify, sig)
	}
	sigs := make(chan os.Signal, 32)
	signal.Notify(sigs, notify...)
	defer signal.Stop(sigs)

	arb, err := arbiter.New(arbiter.Options{
		Config:     cfg,
		ConfigPath: opts.ConfigPath,
		Launcher:   arbiter.ExecLauncher{Listeners: files},
		Listeners:  Addrs(lns),
		Signals:    sigs,
		Log:        log,
		ReopenLogs: lg.Reopen,
		History:    rec,
	})
	if err != nil {
		return err
	}

	srv := control.NewServer(control.Options{
		Path:       cfg.ControlSocket,
		Mode:       mode,
		MaxMessage: cfg.ControlMaxMessage,
		Dispatcher: control.NewDispatcher(arb, nil),
		Log:        log,
	})
	// bind failures abort startup
	if err := srv.Listen(); err != nil {
		return err
	}

	tree := NewTree(log, TreeConfig{ShutdownTimeout: cfg.GracefulTimeout + 5*time.Second})
	tree.AddCore(ArbiterService{Arbiter: arb})
	tree.AddService(srv)
	if rec != nil {
		tree.AddService(rec)
	}
	if cfg.Metrics.Enabled {
		tree.AddService(MetricsService{Listen: cfg.Metrics.Listen})
		tree.AddService(SamplerService{Sampler: metrics.NewSampler(metrics.PoolHTTP), Targets: WorkerTargets(arb)})
	}
	return tree.Serve(ctx)
}
