package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/wire"
)

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("control connection closed")

// Client is a control socket session. Requests may be issued from several
// goroutines at once; they are pipelined on one connection and matched to
// responses by id.
type Client struct {
	conn   net.Conn
	logger *slog.Logger
	max    int

	wmu    sync.Mutex
	mu     sync.Mutex
	nextID int64
	wait   map[int64]chan Response
	closed bool
	err    error
	done   chan struct{}
}

// Config holds client configuration
type Config struct {
	Socket     string
	Timeout    time.Duration // dial timeout
	MaxMessage int
	Logger     *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		Socket:     "gunicorn.ctl",
		Timeout:    10 * time.Second,
		MaxMessage: wire.DefaultMaxMessage,
	}
}

// Dial connects to the control socket.
func Dial(ctx context.Context, config Config) (*Client, error) {
	def := DefaultConfig()
	if config.Socket == "" {
		config.Socket = def.Socket
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxMessage == 0 {
		config.MaxMessage = def.MaxMessage
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "unix", config.Socket)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	c := &Client{
		conn:   conn,
		logger: config.Logger,
		max:    config.MaxMessage,
		wait:   make(map[int64]chan Response),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		for id, ch := range c.wait {
			close(ch)
			delete(c.wait, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()
	for {
		var raw []byte
		raw, err = wire.ReadFrame(c.conn, c.max)
		if err != nil {
			return
		}
		var resp Response
		if err = json.Unmarshal(raw, &resp); err != nil {
			err = fmt.Errorf("decode response: %w", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.wait[resp.ID]
		delete(c.wait, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Dropping response with unknown id", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// Do sends command and returns the data of an ok response. An error
// response is returned as *ServerError.
func (c *Client) Do(ctx context.Context, command string) (json.RawMessage, error) {
	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.wait[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(Request{ID: id, Command: command})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Debug("Sending control command", "id", id, "command", command)
	c.wmu.Lock()
	err = wire.WriteFrame(c.conn, payload)
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send %q: %w", command, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		if resp.Status != StatusOK {
			return nil, &ServerError{ID: id, Command: command, Message: resp.Error}
		}
		return resp.Data, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.wait, id)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil && !errors.Is(c.err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

// Close ends the session.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) decode(ctx context.Context, command string, v any) error {
	data, err := c.Do(ctx, command)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %q response: %w", command, err)
	}
	return nil
}

// Stats returns arbiter statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.decode(ctx, "show stats", &s)
	return s, err
}

// Workers lists the HTTP workers.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var w []Worker
	err := c.decode(ctx, "show workers", &w)
	return w, err
}

// Listeners returns the bound addresses.
func (c *Client) Listeners(ctx context.Context) ([]string, error) {
	var l []string
	err := c.decode(ctx, "show listeners", &l)
	return l, err
}

func (c *Client) scale(ctx context.Context, command string, n int) (ScaleResult, error) {
	var r ScaleResult
	err := c.decode(ctx, command+" "+strconv.Itoa(n), &r)
	return r, err
}

// AddWorkers raises the HTTP worker target by n.
func (c *Client) AddWorkers(ctx context.Context, n int) (ScaleResult, error) {
	return c.scale(ctx, "worker add", n)
}

// RemoveWorkers lowers the HTTP worker target by n.
func (c *Client) RemoveWorkers(ctx context.Context, n int) (ScaleResult, error) {
	return c.scale(ctx, "worker remove", n)
}

// KillWorker gracefully stops one worker.
func (c *Client) KillWorker(ctx context.Context, pid int) error {
	return c.decode(ctx, "worker kill "+strconv.Itoa(pid), nil)
}

// AddDirtyWorkers raises the dirty worker target by up to n.
func (c *Client) AddDirtyWorkers(ctx context.Context, n int) (ScaleResult, error) {
	return c.scale(ctx, "dirty add", n)
}

// RemoveDirtyWorkers lowers the dirty worker target by n.
func (c *Client) RemoveDirtyWorkers(ctx context.Context, n int) (ScaleResult, error) {
	return c.scale(ctx, "dirty remove", n)
}

// Reload asks the arbiter to reload its configuration.
func (c *Client) Reload(ctx context.Context) error { return c.decode(ctx, "reload", nil) }

// Reopen asks the arbiter to reopen log files.
func (c *Client) Reopen(ctx context.Context) error { return c.decode(ctx, "reopen", nil) }

// Shutdown stops the arbiter.
func (c *Client) Shutdown(ctx context.Context, graceful bool) error {
	mode := "graceful"
	if !graceful {
		mode = "quick"
	}
	return c.decode(ctx, "shutdown "+mode, nil)
}
