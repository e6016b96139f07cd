package dirty

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benoitc/gunicorn-sub001/internal/config"
)

type countBeat struct{ n atomic.Int64 }

func (c *countBeat) Notify() error {
	c.n.Add(1)
	return nil
}

type hostHarness struct {
	host   *Host
	beat   *countBeat
	cancel context.CancelFunc
	errc   chan error
}

func startHost(t *testing.T, opts HostOptions) *hostHarness {
	t.Helper()
	if opts.Socket == "" {
		opts.Socket = filepath.Join(t.TempDir(), "w.sock")
	}
	beat := &countBeat{}
	opts.Heartbeat = beat
	if opts.Interval == 0 {
		opts.Interval = 10 * time.Millisecond
	}
	if opts.Grace == 0 {
		opts.Grace = 2 * time.Second
	}
	h, err := NewHost(context.Background(), opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	hh := &hostHarness{host: h, beat: beat, cancel: cancel, errc: make(chan error, 1)}
	go func() { hh.errc <- h.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-hh.errc:
		case <-time.After(5 * time.Second):
		}
	})
	return hh
}

func dialHost(t *testing.T, h *Host) net.Conn {
	t.Helper()
	c, err := net.Dial("unix", h.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func exchange(t *testing.T, c net.Conn, m *Message) []*Message {
	t.Helper()
	require.NoError(t, WriteMessage(c, m))
	var out []*Message
	for {
		reply, err := ReadMessage(c, MaxMessage)
		require.NoError(t, err)
		out = append(out, reply)
		if reply.Type.Terminal() {
			return out
		}
	}
}

func TestHostUnaryCalls(t *testing.T) {
	hh := startHost(t, HostOptions{
		Apps:    []string{"test-echo"},
		Configs: []config.AppConfig{{Name: "test-echo", Params: map[string]any{"greeting": "hello"}}},
	})
	assert.Equal(t, []string{"test-echo"}, hh.host.Apps())
	c := dialHost(t, hh.host)

	out := exchange(t, c, &Message{Type: TypeRequest, ID: 1, App: "test-echo", Action: "echo", Args: []any{"hi"}})
	require.Len(t, out, 1)
	assert.Equal(t, TypeResult, out[0].Type)
	assert.Equal(t, uint64(1), out[0].ID)
	assert.Equal(t, "hi", out[0].Data)

	out = exchange(t, c, &Message{Type: TypeRequest, ID: 2, App: "test-echo", Action: "echo", Kwargs: map[string]any{"k": 1}})
	assert.Equal(t, map[string]any{"k": uint64(1)}, out[0].Data)

	out = exchange(t, c, &Message{Type: TypeRequest, ID: 3, App: "test-echo", Action: "param"})
	assert.Equal(t, "hello", out[0].Data)

	assert.Eventually(t, func() bool { return hh.beat.n.Load() > 1 }, time.Second, 5*time.Millisecond)
}

func TestHostErrorsKeepConnection(t *testing.T) {
	hh := startHost(t, HostOptions{Apps: []string{"test-echo"}})
	c := dialHost(t, hh.host)

	cases := []struct {
		app, action string
		code        string
	}{
		{"test-other", "echo", CodeAppNotLoaded},
		{"test-echo", "fail", CodeAppError},
		{"test-echo", "panic", CodeAppError},
		{"test-echo", "nope", CodeUnknownAction},
	}
	for i, tc := range cases {
		out := exchange(t, c, &Message{Type: TypeRequest, ID: uint64(i + 1), App: tc.app, Action: tc.action})
		require.Len(t, out, 1, tc.action)
		assert.Equal(t, TypeError, out[0].Type, tc.action)
		assert.Equal(t, tc.code, out[0].Code, tc.action)
		assert.Equal(t, uint64(i+1), out[0].ID)
	}

	out := exchange(t, c, &Message{Type: TypeStatus, ID: 9})
	assert.Equal(t, CodeBadRequest, out[0].Code)

	out = exchange(t, c, &Message{Type: TypeRequest, ID: 10, App: "test-echo", Action: "echo", Args: []any{"still here"}})
	assert.Equal(t, "still here", out[0].Data)
}

func TestHostStreaming(t *testing.T) {
	hh := startHost(t, HostOptions{Apps: []string{"test-echo"}})
	c := dialHost(t, hh.host)

	out := exchange(t, c, &Message{Type: TypeRequest, ID: 1, App: "test-echo", Action: "count", Args: []any{3}, Stream: true})
	require.Len(t, out, 4)
	for i := range 3 {
		assert.Equal(t, TypeChunk, out[i].Type)
		assert.Equal(t, uint64(i), out[i].Data)
	}
	assert.Equal(t, TypeResult, out[3].Type)

	// a caller that does not accept streaming gets the chunks as a list
	out = exchange(t, c, &Message{Type: TypeRequest, ID: 2, App: "test-echo", Action: "count", Args: []any{3}})
	require.Len(t, out, 1)
	assert.Equal(t, []any{uint64(0), uint64(1), uint64(2)}, out[0].Data)

	out = exchange(t, c, &Message{Type: TypeRequest, ID: 3, App: "test-echo", Action: "broken", Stream: true})
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Data)
	assert.Equal(t, TypeError, out[1].Type)
	assert.Equal(t, CodeAppError, out[1].Code)
}

func drainGate() {
	for {
		select {
		case <-streamGate:
		default:
			return
		}
	}
}

func TestHostStopsStreamWhenCallerDisconnects(t *testing.T) {
	drainGate()
	streamProduced.Store(0)
	t.Cleanup(drainGate)

	hh := startHost(t, HostOptions{Apps: []string{"test-echo"}})
	c := dialHost(t, hh.host)
	require.NoError(t, WriteMessage(c, &Message{Type: TypeRequest, ID: 1, App: "test-echo", Action: "gated", Stream: true}))

	for i := range 2 {
		streamGate <- struct{}{}
		m, err := ReadMessage(c, MaxMessage)
		require.NoError(t, err)
		assert.Equal(t, TypeChunk, m.Type)
		assert.Equal(t, uint64(i), m.Data)
	}
	require.NoError(t, c.Close())

	// the invocation ends without anyone sending a cancellation
	assert.Eventually(t, func() bool {
		hh.host.mu.Lock()
		defer hh.host.mu.Unlock()
		return len(hh.host.conns) == 0
	}, 2*time.Second, 5*time.Millisecond)

	for range 3 {
		streamGate <- struct{}{}
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(2), streamProduced.Load())
}

func TestHostGracefulShutdownFinishesInFlight(t *testing.T) {
	drainGate()
	t.Cleanup(drainGate)

	hh := startHost(t, HostOptions{Apps: []string{"test-echo"}})
	busy := dialHost(t, hh.host)
	idle := dialHost(t, hh.host)
	_ = exchange(t, idle, &Message{Type: TypeRequest, ID: 1, App: "test-echo", Action: "echo", Args: []any{"x"}})

	require.NoError(t, WriteMessage(busy, &Message{Type: TypeRequest, ID: 2, App: "test-echo", Action: "gated"}))
	time.Sleep(20 * time.Millisecond)
	hh.cancel()

	// the idle connection is closed right away
	_ = idle.SetReadDeadline(time.Now().Add(time.Second))
	_, err := ReadMessage(idle, MaxMessage)
	assert.Error(t, err)

	for range 5 {
		streamGate <- struct{}{}
	}
	m, err := ReadMessage(busy, MaxMessage)
	require.NoError(t, err)
	assert.Equal(t, TypeResult, m.Type)
	assert.Len(t, m.Data, 5)

	select {
	case err := <-hh.errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("host did not stop")
	}
	_, err = os.Stat(hh.host.opts.Socket)
	assert.True(t, os.IsNotExist(err))
}

func TestHostStopsWhenParentChanges(t *testing.T) {
	hh := startHost(t, HostOptions{
		Apps:      []string{"test-echo"},
		ParentPID: 4242,
		Getppid:   func() int { return 1 },
	})
	select {
	case err := <-hh.errc:
		assert.ErrorIs(t, err, ErrParentChanged)
	case <-time.After(3 * time.Second):
		t.Fatal("host ignored parent change")
	}
}

func TestNewHostLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewHost(context.Background(), HostOptions{Apps: []string{"not-registered"}, Socket: filepath.Join(dir, "a.sock")})
	assert.ErrorContains(t, err, "not registered")

	_, err = NewHost(context.Background(), HostOptions{
		Apps:    []string{"test-echo"},
		Configs: []config.AppConfig{{Name: "test-echo", Params: map[string]any{"fail": true}}},
		Socket:  filepath.Join(dir, "b.sock"),
	})
	assert.ErrorContains(t, err, "init refused")
}
