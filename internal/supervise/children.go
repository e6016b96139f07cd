package supervise

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/dirty"
	"github.com/benoitc/gunicorn-sub001/internal/env"
	"github.com/benoitc/gunicorn-sub001/internal/heartbeat"
	"github.com/benoitc/gunicorn-sub001/internal/history"
	"github.com/benoitc/gunicorn-sub001/internal/history/factory"
	"github.com/benoitc/gunicorn-sub001/internal/logger"
	"github.com/benoitc/gunicorn-sub001/internal/process"
	"github.com/benoitc/gunicorn-sub001/internal/worker"
)

// child loads the boot parameters of role and builds its stderr logger.
func child(role string) (env.Boot, *logger.Logger, error) {
	b, err := env.FromEnviron(role)
	if err != nil {
		return b, logger.New(logger.Config{}, os.Stderr), err
	}
	lg := logger.New(LoggerConfig(b.Config.Log, true), os.Stderr)
	lg.Logger = lg.With("pid", os.Getpid(), "role", role)
	return b, lg, nil
}

func beatInterval(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return time.Second
	}
	return max(10*time.Millisecond, min(time.Second, timeout/2))
}

// RunWorker is the HTTP worker entry point. It returns the exit code.
func RunWorker(ctx context.Context) int {
	b, lg, err := child(env.RoleWorker)
	if err != nil {
		lg.Error("worker boot failed", "error", err)
		return process.ExitBootError
	}
	hb, err := heartbeat.Open(heartbeat.FD)
	if err != nil {
		lg.Error("worker boot failed", "error", err)
		return process.ExitBootError
	}
	defer func() { _ = hb.Close() }()
	lns, err := Inherit(len(b.Listeners))
	if err != nil {
		lg.Error("worker boot failed", "error", err)
		return process.ExitBootError
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	signal.Ignore(syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU)

	var inv worker.Invoker
	if b.Config.Dirty.Enabled() {
		inv = dirty.NewClient(b.Config.Dirty.Socket)
	}
	w := worker.New(worker.Options{
		Boot:       b,
		Listeners:  lns,
		Heartbeat:  hb,
		Interval:   beatInterval(b.Config.Timeout),
		Signals:    sigs,
		Dirty:      inv,
		ReopenLogs: lg.Reopen,
		Log:        lg.Logger,
	})
	return w.Run(ctx)
}

// RunDirtyArbiter is the dirty arbiter entry point.
func RunDirtyArbiter(ctx context.Context) int {
	b, lg, err := child(env.RoleDirtyArbiter)
	if err != nil {
		lg.Error("dirty arbiter boot failed", "error", err)
		return process.ExitBootError
	}
	hb, err := heartbeat.Open(heartbeat.FD)
	if err != nil {
		lg.Error("dirty arbiter boot failed", "error", err)
		return process.ExitBootError
	}
	defer func() { _ = hb.Close() }()

	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGCHLD)
	defer signal.Stop(sigs)
	signal.Ignore(syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU)

	rec := historyRecorder(ctx, b, lg.Logger)
	if rec != nil {
		defer func() { _ = rec.Close() }()
	}
	cfg := b.Config
	a, err := dirty.NewArbiter(dirty.Options{
		Config:     &cfg,
		Generation: b.Generation,
		MasterPID:  b.MasterPID,
		Orphans:    process.SystemLister{},
		Beat:       hb,
		Signals:    sigs,
		Log:        lg.Logger,
		History:    rec,
	})
	if err != nil {
		lg.Error("dirty arbiter boot failed", "error", err)
		return process.ExitBootError
	}
	if err := a.Start(ctx); err != nil {
		lg.Error("dirty arbiter boot failed", "error", err)
		return process.ExitBootError
	}
	if err := a.Run(ctx); err != nil {
		lg.Error("dirty arbiter failed", "error", err)
		return process.ExitBootError
	}
	return process.ExitOK
}

// historyRecorder starts a recorder for the configured DSN, or returns nil.
func historyRecorder(ctx context.Context, b env.Boot, log *slog.Logger) *history.Recorder {
	if b.Config.History.DSN == "" {
		return nil
	}
	sink, err := factory.NewSinkFromDSN(b.Config.History.DSN)
	if err != nil {
		log.Warn("history disabled", "error", err)
		return nil
	}
	rec := history.NewRecorder(log, 0, sink)
	go func() { _ = rec.Serve(ctx) }()
	return rec
}

// RunDirtyWorker is the dirty worker entry point.
func RunDirtyWorker(ctx context.Context) int {
	b, lg, err := child(env.RoleDirtyWorker)
	if err != nil {
		lg.Error("dirty worker boot failed", "error", err)
		return process.ExitBootError
	}
	hb, err := heartbeat.Open(heartbeat.FD)
	if err != nil {
		lg.Error("dirty worker boot failed", "error", err)
		return process.ExitBootError
	}
	defer func() { _ = hb.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	signal.Ignore(syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU)

	h, err := dirty.NewHost(ctx, dirty.HostOptions{
		Apps:      b.Apps,
		Configs:   b.Config.Dirty.Apps,
		Socket:    b.Socket,
		Heartbeat: hb,
		Interval:  beatInterval(b.Config.Dirty.Timeout),
		ParentPID: b.ParentPID,
		Grace:     b.Config.Dirty.GracefulTimeout,
		Log:       lg.Logger,
	})
	if err != nil {
		lg.Error("dirty worker failed to load apps", "apps", b.Apps, "error", err)
		return process.ExitAppLoadError
	}

	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGTERM:
				cancel()
			case syscall.SIGQUIT, syscall.SIGINT:
				lg.Info("quick exit", "signal", sig.String())
				os.Exit(process.ExitSignalBase + int(sig.(syscall.Signal)))
			case syscall.SIGUSR1:
				_ = lg.Reopen()
			}
		}
	}()
	if err := h.Serve(ctx); err != nil && !errors.Is(err, dirty.ErrParentChanged) {
		lg.Error("dirty worker stopped", "error", err)
		return process.ExitBootError
	}
	return process.ExitOK
}
