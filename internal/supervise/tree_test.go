package supervise

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benoitc/gunicorn-sub001/internal/metrics"
)

type funcRunner struct {
	name string
	fn   func(ctx context.Context) error
}

func (r funcRunner) Serve(ctx context.Context) error { return r.fn(ctx) }

func (r funcRunner) String() string { return r.name }

func quietTree() *Tree {
	return NewTree(slog.New(slog.NewTextHandler(io.Discard, nil)), TreeConfig{
		FailureBackoff:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})
}

func serve(ctx context.Context, t *testing.T, tree *Tree) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop")
		return nil
	}
}

func TestCoreReturnStopsTree(t *testing.T) {
	tree := quietTree()
	var stopped atomic.Bool
	tree.AddService(funcRunner{name: "svc", fn: func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return ctx.Err()
	}})
	tree.AddCore(funcRunner{name: "core", fn: func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}})
	assert.NoError(t, serve(context.Background(), t, tree))
	assert.True(t, stopped.Load())
}

func TestCoreErrorIsReported(t *testing.T) {
	tree := quietTree()
	boom := errors.New("pid file busy")
	tree.AddCore(funcRunner{name: "core", fn: func(context.Context) error { return boom }})
	assert.ErrorIs(t, serve(context.Background(), t, tree), boom)
}

func TestServicesAreRestarted(t *testing.T) {
	tree := quietTree()
	var runs atomic.Int32
	tree.AddService(funcRunner{name: "flaky", fn: func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("crashed")
		}
		<-ctx.Done()
		return ctx.Err()
	}})
	tree.AddCore(funcRunner{name: "core", fn: func(ctx context.Context) error {
		for runs.Load() < 3 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Millisecond):
			}
		}
		return nil
	}})
	require.NoError(t, serve(context.Background(), t, tree))
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestCancelStopsTree(t *testing.T) {
	tree := quietTree()
	tree.AddCore(funcRunner{name: "core", fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	assert.NoError(t, serve(ctx, t, tree))
}

func TestMetricsHandler(t *testing.T) {
	h := MetricsService{}.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSamplerServiceStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	svc := SamplerService{
		Sampler:  metrics.NewSampler(metrics.PoolHTTP),
		Interval: 5 * time.Millisecond,
		Targets: func() []metrics.Target {
			calls.Add(1)
			return nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Serve(ctx), context.DeadlineExceeded)
	assert.Positive(t, calls.Load())
}
