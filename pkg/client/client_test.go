package client

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benoitc/gunicorn-sub001/internal/wire"
)

// fakeServer answers each request with handle's response on one connection.
func fakeServer(t *testing.T, handle func(Request) (Response, bool)) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cli")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "s.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		for {
			raw, err := wire.ReadFrame(c, 0)
			if err != nil {
				return
			}
			var req Request
			if json.Unmarshal(raw, &req) != nil {
				return
			}
			resp, ok := handle(req)
			if !ok {
				return
			}
			b, _ := json.Marshal(resp)
			if wire.WriteFrame(c, b) != nil {
				return
			}
		}
	}()
	return path
}

func TestDoDecodesResponses(t *testing.T) {
	path := fakeServer(t, func(req Request) (Response, bool) {
		switch req.Command {
		case "show stats":
			return Response{ID: req.ID, Status: StatusOK, Data: json.RawMessage(`{"pid":9,"target_workers":4,"live_workers":3}`)}, true
		case "dirty add 2":
			return Response{ID: req.ID, Status: StatusOK, Data: json.RawMessage(`{"added":1,"previous":2,"total":3}`)}, true
		}
		return Response{ID: req.ID, Status: StatusError, Error: "unknown command"}, true
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Socket: path})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{PID: 9, Target: 4, Live: 3}, st)

	res, err := c.AddDirtyWorkers(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ScaleResult{Added: 1, Previous: 2, Total: 3}, res)

	err = c.Reload(ctx)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "reload", se.Command)
	assert.Equal(t, "reload: unknown command", err.Error())
}

func TestPendingRequestsFailWhenServerCloses(t *testing.T) {
	path := fakeServer(t, func(Request) (Response, bool) { return Response{}, false })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{Socket: path})
	require.NoError(t, err)

	_, err = c.Do(ctx, "show all")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Do(ctx, "show all")
	assert.ErrorIs(t, err, ErrClosed)
	_ = c.Close()
}

func TestDoHonorsContext(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	path := fakeServer(t, func(req Request) (Response, bool) {
		<-block
		return Response{ID: req.ID, Status: StatusOK}, true
	})
	c, err := Dial(context.Background(), Config{Socket: path})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, "show all")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(context.Background(), Config{Socket: filepath.Join(t.TempDir(), "none.sock"), Timeout: time.Second})
	assert.Error(t, err)
}
