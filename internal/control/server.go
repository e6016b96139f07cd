// Package control serves the administrative control socket: length
// framed JSON requests, answered by id, possibly out of order.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/wire"
	"github.com/benoitc/gunicorn-sub001/pkg/client"
)

// Options configures a Server.
type Options struct {
	Path       string
	Mode       os.FileMode
	MaxMessage int
	// RequestTimeout bounds one command; zero means 30s.
	RequestTimeout time.Duration
	Dispatcher     *Dispatcher
	Log            *slog.Logger
}

// Server accepts control connections on a unix socket.
type Server struct {
	opts Options
	log  *slog.Logger
	ln   net.Listener
	fi   os.FileInfo

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.MaxMessage <= 0 {
		opts.MaxMessage = wire.DefaultMaxMessage
	}
	if opts.Mode == 0 {
		opts.Mode = 0o600
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Server{
		opts:  opts,
		log:   opts.Log.With("component", "control"),
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket, replacing a stale one, and applies the mode.
// It is separate from Serve so bind failures abort startup.
func (s *Server) Listen() error {
	if fi, err := os.Lstat(s.opts.Path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("control socket %s exists and is not a socket", s.opts.Path)
		}
		if c, err := net.Dial("unix", s.opts.Path); err == nil {
			_ = c.Close()
			return fmt.Errorf("control socket %s is in use by another arbiter", s.opts.Path)
		}
		_ = os.Remove(s.opts.Path)
	}
	ln, err := net.Listen("unix", s.opts.Path)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	if err := os.Chmod(s.opts.Path, s.opts.Mode); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.fi, _ = os.Stat(s.opts.Path)
	s.ln = ln
	return nil
}

// Addr is the socket path.
func (s *Server) Addr() string { return s.opts.Path }

// Serve accepts connections until ctx is cancelled, then closes every
// session and removes the socket path.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Info("control socket listening", "path", s.opts.Path, "mode", fmt.Sprintf("%#o", s.opts.Mode))
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()

	for {
		c, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serveConn(ctx, c)
	}

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if fi, err := os.Stat(s.opts.Path); err == nil && s.fi != nil && os.SameFile(fi, s.fi) {
		_ = os.Remove(s.opts.Path)
	}
	// a restart binds again
	s.ln, s.fi = nil, nil
	s.log.Info("control socket closed")
	return nil
}

func (s *Server) String() string { return "control-server" }

// session is one connection. Requests are handled concurrently; writes
// are serialized.
type session struct {
	s    *Server
	conn net.Conn
	wmu  sync.Mutex
	wg   sync.WaitGroup
	log  *slog.Logger
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()
	sess := &session{s: s, conn: c, log: s.log}
	defer sess.wg.Wait()

	for {
		raw, err := wire.ReadFrame(c, s.opts.MaxMessage)
		if err != nil {
			var tooLarge *wire.FrameTooLargeError
			switch {
			case errors.As(err, &tooLarge):
				sess.log.Warn("oversized control frame, closing connection", "size", tooLarge.Size, "max", tooLarge.Max)
				sess.abort(tooLarge.Prefix, err.Error())
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				sess.log.Debug("control connection read failed", "error", err)
			}
			return
		}
		var req struct {
			ID      *int64 `json:"id"`
			Command string `json:"command"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			sess.log.Warn("malformed control frame, closing connection", "error", err)
			sess.abort(raw, "malformed request: "+err.Error())
			return
		}
		if req.ID == nil {
			sess.reply(client.Response{Status: client.StatusError, Error: "request has no id"})
			continue
		}
		id := *req.ID
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			rctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
			sess.reply(s.opts.Dispatcher.Respond(rctx, id, req.Command))
		}()
	}
}

var idPattern = regexp.MustCompile(`"id"\s*:\s*(-?\d+)`)

// abort answers an unusable frame with an error if its id can still be
// recovered from the raw bytes.
func (ss *session) abort(raw []byte, msg string) {
	m := idPattern.FindSubmatch(raw)
	if m == nil {
		return
	}
	id, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return
	}
	ss.reply(client.Response{ID: id, Status: client.StatusError, Error: msg})
}

func (ss *session) reply(resp client.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(client.Response{ID: resp.ID, Status: client.StatusError, Error: "encode response: " + err.Error()})
	}
	if len(b) > ss.s.opts.MaxMessage {
		b, _ = json.Marshal(client.Response{ID: resp.ID, Status: client.StatusError, Error: fmt.Sprintf("response of %d bytes exceeds the %d byte limit", len(b), ss.s.opts.MaxMessage)})
	}
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	if err := wire.WriteFrame(ss.conn, b); err != nil {
		ss.log.Debug("control write failed", "id", resp.ID, "error", err)
	}
}
