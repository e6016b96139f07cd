// Package worker is the HTTP worker process: it serves requests on the
// listeners inherited from the arbiter, keeps its heartbeat fresh and exits
// when told to or when its parent goes away.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/dirty"
	"github.com/benoitc/gunicorn-sub001/internal/env"
	"github.com/benoitc/gunicorn-sub001/internal/process"
)

// Invoker reaches dirty apps on behalf of request handlers.
type Invoker interface {
	Call(ctx context.Context, app, action string, args dirty.Args) (any, error)
	Stream(ctx context.Context, app, action string, args dirty.Args, onChunk func(any) error) (any, error)
}

// Options configures a Worker.
type Options struct {
	Boot      env.Boot
	Listeners []net.Listener
	Heartbeat dirty.Notifier
	// Interval between heartbeats; zero means half the worker timeout,
	// capped at one second.
	Interval time.Duration
	Getppid  func() int
	Signals  <-chan os.Signal
	// Dirty is nil when no dirty arbiter is configured.
	Dirty      Invoker
	ReopenLogs func() error
	Log        *slog.Logger
}

// Worker serves HTTP until it is stopped.
type Worker struct {
	opts    Options
	log     *slog.Logger
	srv     *http.Server
	limit   int64
	handled atomic.Int64
	// exhausted is closed once the request limit is reached.
	exhausted chan struct{}
	once      sync.Once
}

func New(opts Options) *Worker {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Getppid == nil {
		opts.Getppid = os.Getppid
	}
	if opts.Interval <= 0 {
		opts.Interval = min(time.Second, opts.Boot.Config.Timeout/2)
		if opts.Interval <= 0 {
			opts.Interval = time.Second
		}
	}
	w := &Worker{
		opts:      opts,
		log:       opts.Log.With("component", "worker", "age", opts.Boot.Age),
		limit:     requestLimit(opts.Boot.Config.MaxRequests, opts.Boot.Config.MaxRequestsJitter),
		exhausted: make(chan struct{}),
	}
	w.srv = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return w
}

// requestLimit is n plus a random jitter in [0, jitter]; zero disables
// the limit.
func requestLimit(n, jitter int) int64 {
	if n <= 0 {
		return 0
	}
	if jitter > 0 {
		return int64(n + rand.IntN(jitter+1))
	}
	return int64(n)
}

// count is called after each request.
func (w *Worker) count() {
	n := w.handled.Add(1)
	if w.limit > 0 && n >= w.limit {
		w.once.Do(func() { close(w.exhausted) })
	}
}

// Run serves until a stop condition and returns the process exit code.
func (w *Worker) Run(ctx context.Context) int {
	if len(w.opts.Listeners) == 0 {
		w.log.Error("no listeners inherited")
		return process.ExitBootError
	}
	errs := make(chan error, len(w.opts.Listeners))
	for _, ln := range w.opts.Listeners {
		go func() { errs <- w.srv.Serve(ln) }()
	}
	w.notify()
	w.log.Info("worker booted", "pid", os.Getpid(), "listeners", w.opts.Boot.Listeners, "max_requests", w.limit)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return w.drain("context cancelled")
		case <-w.exhausted:
			return w.drain("max requests reached")
		case err := <-errs:
			if errors.Is(err, http.ErrServerClosed) {
				continue
			}
			w.log.Error("listener failed", "error", err)
			_ = w.srv.Close()
			return process.ExitBootError
		case sig := <-w.opts.Signals:
			s, _ := sig.(syscall.Signal)
			switch s {
			case syscall.SIGTERM:
				return w.drain("terminated")
			case syscall.SIGQUIT, syscall.SIGINT:
				w.log.Info("quick exit", "signal", s.String())
				_ = w.srv.Close()
				return process.ExitSignalBase + int(s)
			case syscall.SIGUSR1:
				if w.opts.ReopenLogs != nil {
					if err := w.opts.ReopenLogs(); err != nil {
						w.log.Error("reopen logs failed", "error", err)
					}
				}
			}
		case <-ticker.C:
			if ppid := w.opts.Getppid(); ppid != w.opts.Boot.ParentPID {
				w.log.Warn("parent changed, exiting", "expected", w.opts.Boot.ParentPID, "ppid", ppid)
				return w.drain("parent changed")
			}
			w.notify()
		}
	}
}

func (w *Worker) notify() {
	if w.opts.Heartbeat == nil {
		return
	}
	if err := w.opts.Heartbeat.Notify(); err != nil {
		w.log.Warn("heartbeat failed", "error", err)
	}
}

// drain stops accepting and waits for in-flight requests within the
// graceful timeout. The heartbeat keeps going meanwhile.
func (w *Worker) drain(reason string) int {
	grace := w.opts.Boot.Config.GracefulTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}
	w.log.Info("worker stopping", "reason", reason, "grace", grace, "handled", w.handled.Load())
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.srv.Shutdown(ctx) }()
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				w.log.Warn("requests still running at graceful timeout", "error", err)
				_ = w.srv.Close()
			}
			return process.ExitOK
		case <-ticker.C:
			w.notify()
		}
	}
}

// Handled reports the number of completed requests.
func (w *Worker) Handled() int64 { return w.handled.Load() }

func (w *Worker) String() string { return fmt.Sprintf("worker-%d", w.opts.Boot.Age) }
