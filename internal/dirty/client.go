package dirty

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/benoitc/gunicorn-sub001/internal/arbiter"
)

// Client invokes apps through the dirty arbiter socket. Each call uses
// its own connection, so a Client is safe for concurrent use.
type Client struct {
	Socket string
	ids    atomic.Uint64
}

func NewClient(socket string) *Client { return &Client{Socket: socket} }

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Socket)
	if err != nil {
		return nil, &Error{Code: CodeUnavailable, Message: fmt.Sprintf("dirty arbiter: %v", err)}
	}
	return conn, nil
}

// roundTrip sends m and hands every reply to fn until a terminal frame.
// Cancelling ctx closes the connection.
func (c *Client) roundTrip(ctx context.Context, m *Message, fn func(*Message) error) (*Message, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	m.ID = c.ids.Add(1)
	if err := WriteMessage(conn, m); err != nil {
		return nil, c.connErr(ctx, err)
	}
	for {
		reply, err := ReadMessage(conn, MaxMessage)
		if err != nil {
			return nil, c.connErr(ctx, err)
		}
		if reply.ID != 0 && reply.ID != m.ID {
			return nil, fmt.Errorf("dirty: reply id %d does not match request %d", reply.ID, m.ID)
		}
		if reply.Type.Terminal() {
			if err := reply.Err(); err != nil {
				return nil, err
			}
			return reply, nil
		}
		if fn == nil {
			continue
		}
		if err := fn(reply); err != nil {
			return nil, err
		}
	}
}

func (c *Client) connErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeUnavailable, Message: err.Error()}
}

// Call invokes action on app and returns its result. Streamed results are
// collected into a list.
func (c *Client) Call(ctx context.Context, app, action string, args Args) (any, error) {
	reply, err := c.roundTrip(ctx, &Message{Type: TypeRequest, App: app, Action: action, Args: args.Positional, Kwargs: args.Keyword}, nil)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Stream invokes action on app as a streaming call and passes every chunk
// to onChunk. If onChunk returns an error the connection is dropped,
// which stops the producer at its next yield, and that error is
// returned.
func (c *Client) Stream(ctx context.Context, app, action string, args Args, onChunk func(any) error) (any, error) {
	m := &Message{Type: TypeRequest, App: app, Action: action, Args: args.Positional, Kwargs: args.Keyword, Stream: true}
	reply, err := c.roundTrip(ctx, m, func(r *Message) error { return onChunk(r.Data) })
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Status fetches the dirty arbiter state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	reply, err := c.roundTrip(ctx, &Message{Type: TypeStatus}, nil)
	if err != nil {
		return nil, err
	}
	if reply.Status == nil {
		return nil, errors.New("dirty: status reply carries no status")
	}
	return reply.Status, nil
}

// Scale changes the dirty worker target by delta.
func (c *Client) Scale(ctx context.Context, delta int) (arbiter.ScaleResult, error) {
	reply, err := c.roundTrip(ctx, &Message{Type: TypeScale, Count: delta}, nil)
	if err != nil {
		return arbiter.ScaleResult{}, err
	}
	if reply.Scale == nil {
		return arbiter.ScaleResult{}, errors.New("dirty: scale reply carries no result")
	}
	return *reply.Scale, nil
}
