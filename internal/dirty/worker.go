package dirty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/metrics"
)

// ErrParentChanged is returned by Host.Serve when the process that
// spawned the worker went away.
var ErrParentChanged = errors.New("parent process changed")

// Notifier is the worker end of a heartbeat channel.
type Notifier interface {
	Notify() error
}

// HostOptions configures a dirty worker host.
type HostOptions struct {
	// Apps names the apps to load, as planned by the dirty arbiter.
	Apps []string
	// Configs supplies per-app init parameters.
	Configs   []config.AppConfig
	Socket    string
	Heartbeat Notifier
	Interval  time.Duration
	// ParentPID is compared with Getppid on every heartbeat.
	ParentPID int
	Getppid   func() int
	Grace     time.Duration
	Log       *slog.Logger
}

// Host runs the apps of one dirty worker and serves invocations on its
// unix socket, one goroutine per connection.
type Host struct {
	opts  HostOptions
	log   *slog.Logger
	apps  map[string]App
	order []string
	ln    net.Listener

	// base outlives graceful shutdown; it is cancelled only once the
	// grace period has expired.
	base       context.Context
	cancelBase context.CancelFunc

	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[net.Conn]bool // conn -> busy
	draining bool
}

// NewHost instantiates every app and binds the invocation socket. The
// worker is not ready until Serve sends its first heartbeat.
func NewHost(ctx context.Context, opts HostOptions) (*Host, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Getppid == nil {
		opts.Getppid = os.Getppid
	}
	h := &Host{
		opts:  opts,
		log:   opts.Log.With("component", "dirty-worker", "pid", os.Getpid()),
		apps:  make(map[string]App, len(opts.Apps)),
		conns: make(map[net.Conn]bool),
	}
	params := make(map[string]map[string]any, len(opts.Configs))
	for _, c := range opts.Configs {
		params[c.Name] = c.Params
	}
	for _, name := range opts.Apps {
		factory, ok := lookupApp(name)
		if !ok {
			h.closeApps()
			return nil, fmt.Errorf("app %q is not registered", name)
		}
		app := factory()
		if err := app.Init(ctx, params[name]); err != nil {
			h.closeApps()
			return nil, fmt.Errorf("init app %q: %w", name, err)
		}
		h.apps[name] = app
		h.order = append(h.order, name)
	}
	ln, err := listenUnix(opts.Socket, 0o600)
	if err != nil {
		h.closeApps()
		return nil, err
	}
	h.ln = ln
	h.base, h.cancelBase = context.WithCancel(context.Background())
	h.log.Info("apps loaded", "apps", h.order, "socket", opts.Socket)
	return h, nil
}

// Apps returns the loaded app names in load order.
func (h *Host) Apps() []string { return h.order }

// Addr is the invocation socket path.
func (h *Host) Addr() string { return h.ln.Addr().String() }

// Serve accepts invocations and heartbeats until ctx is cancelled or the
// parent changes, then drains in-flight calls for up to the grace period.
func (h *Host) Serve(ctx context.Context) error {
	go h.accept()

	var result error
	beat := time.NewTicker(h.opts.Interval)
	defer beat.Stop()
	h.notify()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-beat.C:
			if h.opts.ParentPID != 0 && h.opts.Getppid() != h.opts.ParentPID {
				h.log.Warn("parent changed, shutting down", "expected", h.opts.ParentPID, "actual", h.opts.Getppid())
				result = ErrParentChanged
				break loop
			}
			h.notify()
		}
	}
	h.shutdown()
	return result
}

func (h *Host) notify() {
	if h.opts.Heartbeat == nil {
		return
	}
	if err := h.opts.Heartbeat.Notify(); err != nil {
		h.log.Error("heartbeat failed", "error", err)
	}
}

func (h *Host) accept() {
	for {
		c, err := h.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				h.log.Error("accept failed", "error", err)
			}
			return
		}
		h.mu.Lock()
		if h.draining {
			h.mu.Unlock()
			_ = c.Close()
			continue
		}
		h.conns[c] = false
		h.wg.Add(1)
		h.mu.Unlock()
		go h.serveConn(c)
	}
}

func (h *Host) shutdown() {
	_ = h.ln.Close()
	h.mu.Lock()
	h.draining = true
	for c, busy := range h.conns {
		if !busy {
			_ = c.Close()
		}
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	grace := h.opts.Grace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		h.log.Warn("grace period expired, cancelling in-flight calls")
		h.cancelBase()
		h.mu.Lock()
		for c := range h.conns {
			_ = c.Close()
		}
		h.mu.Unlock()
		<-done
	}
	h.cancelBase()
	h.closeApps()
	_ = os.Remove(h.opts.Socket)
	h.log.Info("dirty worker stopped")
}

func (h *Host) closeApps() {
	for i := len(h.order) - 1; i >= 0; i-- {
		if err := h.apps[h.order[i]].Close(); err != nil {
			h.log.Warn("close app failed", "app", h.order[i], "error", err)
		}
	}
}

type inbound struct {
	msg *Message
	err error
}

// serveConn reads requests on one goroutine so a disconnect cancels the
// call in progress, and handles them in order on another.
func (h *Host) serveConn(c net.Conn) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = c.Close()
	}()
	ctx, cancel := context.WithCancel(h.base)
	defer cancel()

	in := make(chan inbound)
	go func() {
		defer close(in)
		defer cancel()
		for {
			m, err := ReadMessage(c, MaxMessage)
			var perr *Error
			if err != nil && !errors.As(err, &perr) {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					h.log.Debug("connection read failed", "error", err)
				}
				return
			}
			select {
			case in <- inbound{msg: m, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(m *Message) error { return WriteMessage(c, m) }
	for r := range in {
		if !h.setBusy(c, true) {
			return
		}
		switch {
		case r.err != nil:
			_ = send(errorMessage(0, r.err))
		case r.msg.Type != TypeRequest:
			_ = send(errorMessage(r.msg.ID, &Error{Code: CodeBadRequest, Message: fmt.Sprintf("unexpected %s frame", r.msg.Type)}))
		default:
			if err := h.Invoke(ctx, r.msg, send); err != nil {
				h.log.Debug("invocation abandoned", "app", r.msg.App, "action", r.msg.Action, "error", err)
				return
			}
		}
		if !h.setBusy(c, false) {
			return
		}
	}
}

// setBusy flags c and reports whether it may keep serving.
func (h *Host) setBusy(c net.Conn, busy bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.conns[c] = busy
	return true
}

// Invoke runs one request and writes its response frames through send.
// A streamed call stops pulling chunks as soon as ctx is cancelled or a
// write fails; no terminal frame is sent in that case and the error is
// returned. Otherwise the error of the final write is returned.
func (h *Host) Invoke(ctx context.Context, m *Message, send func(*Message) error) (err error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.ObserveInvocation(m.App, outcome, time.Since(start).Seconds())
	}()
	fail := func(e error) error {
		outcome = asError(e).Code
		return send(errorMessage(m.ID, e))
	}
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("app panicked", "app", m.App, "action", m.Action, "panic", p)
			err = fail(&Error{Code: CodeAppError, Message: fmt.Sprintf("panic: %v", p)})
		}
	}()

	app, ok := h.apps[m.App]
	if !ok {
		return fail(&Error{Code: CodeAppNotLoaded, Message: fmt.Sprintf("app %q is not loaded by worker %d", m.App, os.Getpid())})
	}
	v, callErr := app.Call(ctx, m.Action, Args{Positional: m.Args, Keyword: m.Kwargs})
	if callErr != nil {
		return fail(callErr)
	}
	var stream Stream
	switch s := v.(type) {
	case Stream:
		stream = s
	case func(func(any, error) bool):
		stream = s
	default:
		return send(&Message{Type: TypeResult, ID: m.ID, Data: v})
	}

	if !m.Stream {
		var items []any
		for item, err := range stream {
			if err != nil {
				return fail(err)
			}
			if ctx.Err() != nil {
				outcome = "cancelled"
				return ctx.Err()
			}
			items = append(items, item)
		}
		if ctx.Err() != nil {
			outcome = "cancelled"
			return ctx.Err()
		}
		return send(&Message{Type: TypeResult, ID: m.ID, Data: items})
	}

	for chunk, err := range stream {
		if err != nil {
			return fail(err)
		}
		if ctx.Err() != nil {
			outcome = "cancelled"
			return ctx.Err()
		}
		if werr := send(&Message{Type: TypeChunk, ID: m.ID, Data: chunk}); werr != nil {
			outcome = "cancelled"
			return werr
		}
	}
	if ctx.Err() != nil {
		outcome = "cancelled"
		return ctx.Err()
	}
	return send(&Message{Type: TypeResult, ID: m.ID})
}

// listenUnix binds path, replacing a stale socket file, and applies mode.
func listenUnix(path string, mode os.FileMode) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	// the owner removes the path itself, compared by inode
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	return ln, nil
}
