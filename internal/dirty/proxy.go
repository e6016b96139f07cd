package dirty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
)

// proxy serves the dirty arbiter socket: it routes invocations to
// workers and relays their frames back, and answers status and scale
// frames itself.
type proxy struct {
	a   *Arbiter
	log *slog.Logger
}

func newProxy(a *Arbiter) *proxy {
	return &proxy{a: a, log: a.log.With("component", "dirty-proxy")}
}

func (p *proxy) serve(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.log.Error("accept failed", "error", err)
			}
			return
		}
		go p.serveConn(c)
	}
}

func (p *proxy) serveConn(c net.Conn) {
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
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
					p.log.Debug("connection read failed", "error", err)
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
		var err error
		switch {
		case r.err != nil:
			err = send(errorMessage(0, r.err))
		case r.msg.Type == TypeStatus:
			err = send(&Message{Type: TypeResult, ID: r.msg.ID, Status: p.a.Status()})
		case r.msg.Type == TypeScale:
			res, serr := p.a.Scale(ctx, r.msg.Count)
			if serr != nil {
				err = send(errorMessage(r.msg.ID, serr))
			} else {
				err = send(&Message{Type: TypeResult, ID: r.msg.ID, Scale: &res})
			}
		case r.msg.Type == TypeRequest:
			err = p.relay(ctx, r.msg, send)
		default:
			err = send(errorMessage(r.msg.ID, &Error{Code: CodeBadRequest, Message: fmt.Sprintf("unexpected %s frame", r.msg.Type)}))
		}
		if err != nil {
			return
		}
	}
}

// relay routes m and forwards it. When the chosen worker no longer has
// the app loaded and nothing was relayed yet, routing is resolved once
// more and the call retried.
func (p *proxy) relay(ctx context.Context, m *Message, send func(*Message) error) error {
	for attempt := 0; ; attempt++ {
		dst, err := p.a.Route(ctx, m.App)
		if err != nil {
			return send(errorMessage(m.ID, err))
		}
		retry, err := p.forward(ctx, dst, m, send, attempt == 0)
		if !retry {
			return err
		}
		p.log.Info("app not loaded by routed worker, retrying", "app", m.App, "pid", dst.PID)
	}
}

func (p *proxy) forward(ctx context.Context, dst Destination, m *Message, send func(*Message) error, mayRetry bool) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", dst.Socket)
	if err != nil {
		return false, send(errorMessage(m.ID, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("worker %d: %v", dst.PID, err)}))
	}
	defer conn.Close()
	// a caller disconnect closes the worker connection, which the
	// worker observes at its next yield
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := WriteMessage(conn, m); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, send(errorMessage(m.ID, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("worker %d: %v", dst.PID, err)}))
	}
	relayed := 0
	for {
		reply, err := ReadMessage(conn, MaxMessage)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, send(errorMessage(m.ID, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("worker %d: %v", dst.PID, err)}))
		}
		if mayRetry && relayed == 0 && reply.Type == TypeError && reply.Code == CodeAppNotLoaded {
			return true, nil
		}
		if err := send(reply); err != nil {
			return false, err
		}
		if reply.Type.Terminal() {
			return false, nil
		}
		relayed++
	}
}
