package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/dirty"
	"github.com/benoitc/gunicorn-sub001/internal/env"
	"github.com/benoitc/gunicorn-sub001/internal/process"
)

type fakeInvoker struct{}

func (fakeInvoker) Call(_ context.Context, app, action string, args dirty.Args) (any, error) {
	switch {
	case app != "echo":
		return nil, &dirty.Error{Code: dirty.CodeNoWorkerForApp, Message: app}
	case action == "fail":
		return nil, &dirty.Error{Code: dirty.CodeAppError, Message: "boom"}
	}
	return args.Positional, nil
}

func (fakeInvoker) Stream(_ context.Context, app, action string, _ dirty.Args, onChunk func(any) error) (any, error) {
	if action == "fail" {
		return nil, &dirty.Error{Code: dirty.CodeUnknownAction, Message: action}
	}
	for i := range 3 {
		if err := onChunk(i); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

type countingBeat struct{ n atomic.Int32 }

func (b *countingBeat) Notify() error {
	b.n.Add(1)
	return nil
}

func boot() env.Boot {
	cfg := config.Default()
	cfg.GracefulTimeout = time.Second
	return env.Boot{Role: env.RoleWorker, Age: 4, Generation: 2, ParentPID: 42, Config: cfg}
}

func TestRequestLimit(t *testing.T) {
	assert.Equal(t, int64(0), requestLimit(0, 10))
	assert.Equal(t, int64(5), requestLimit(5, 0))
	for range 50 {
		n := requestLimit(5, 3)
		assert.GreaterOrEqual(t, n, int64(5))
		assert.LessOrEqual(t, n, int64(8))
	}
}

func TestInfoAndHealth(t *testing.T) {
	w := New(Options{Boot: boot()})
	h := w.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_worker", nil))
	var info infoResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, uint64(4), info.Age)
	assert.Equal(t, 2, info.Generation)
	assert.Equal(t, int64(1), info.Handled)
}

func TestInvokeWithoutDirty(t *testing.T) {
	w := New(Options{Boot: boot()})
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dirty/echo/echo", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInvoke(t *testing.T) {
	w := New(Options{Boot: boot(), Dirty: fakeInvoker{}})
	h := w.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dirty/echo/echo", strings.NewReader(`{"args":["a",1]}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":["a",1]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dirty/other/echo", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"other","code":"no-worker-for-app"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dirty/echo/fail", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dirty/echo/echo", strings.NewReader(`{"args":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvokeStream(t *testing.T) {
	w := New(Options{Boot: boot(), Dirty: fakeInvoker{}})
	h := w.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dirty/echo/count?stream=1", nil))
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	var lines []string
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.Equal(t, []string{`{"chunk":0}`, `{"chunk":1}`, `{"chunk":2}`, `{"done":true}`}, lines)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dirty/echo/fail?stream=1", nil))
	assert.JSONEq(t, `{"error":{"error":"fail","code":"unknown-action"}}`, strings.TrimSpace(rec.Body.String()))
}

func TestWriteErrorStatus(t *testing.T) {
	for code, status := range map[string]int{
		dirty.CodeBadRequest:     http.StatusBadRequest,
		dirty.CodeUnknownAction:  http.StatusNotFound,
		dirty.CodeAppNotLoaded:   http.StatusNotFound,
		dirty.CodeUnavailable:    http.StatusServiceUnavailable,
		dirty.CodeNoWorkerForApp: http.StatusServiceUnavailable,
		dirty.CodeAppError:       http.StatusInternalServerError,
	} {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		writeError(c, &dirty.Error{Code: code, Message: "x"})
		assert.Equal(t, status, rec.Code, code)
	}
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	writeError(c, errors.New("plain"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestRunSignals(t *testing.T) {
	cases := []struct {
		sig  os.Signal
		code int
	}{
		{syscall.SIGTERM, process.ExitOK},
		{syscall.SIGQUIT, process.ExitSignalBase + int(syscall.SIGQUIT)},
		{syscall.SIGINT, process.ExitSignalBase + int(syscall.SIGINT)},
	}
	for _, tc := range cases {
		t.Run(tc.sig.String(), func(t *testing.T) {
			sigs := make(chan os.Signal, 2)
			reopened := make(chan struct{}, 1)
			beat := &countingBeat{}
			w := New(Options{
				Boot:      boot(),
				Listeners: []net.Listener{listen(t)},
				Heartbeat: beat,
				Interval:  10 * time.Millisecond,
				Getppid:   func() int { return 42 },
				Signals:   sigs,
				ReopenLogs: func() error {
					reopened <- struct{}{}
					return nil
				},
			})
			sigs <- syscall.SIGUSR1
			sigs <- tc.sig
			assert.Equal(t, tc.code, w.Run(context.Background()))
			assert.Len(t, reopened, 1)
			assert.Positive(t, beat.n.Load())
		})
	}
}

func TestRunExitsWhenParentChanges(t *testing.T) {
	w := New(Options{
		Boot:      boot(),
		Listeners: []net.Listener{listen(t)},
		Interval:  10 * time.Millisecond,
		Getppid:   func() int { return 1 },
	})
	done := make(chan int, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case code := <-done:
		assert.Equal(t, process.ExitOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not notice the parent change")
	}
}

func TestRunStopsAfterMaxRequests(t *testing.T) {
	b := boot()
	b.Config.MaxRequests = 2
	ln := listen(t)
	w := New(Options{
		Boot:      b,
		Listeners: []net.Listener{ln},
		Interval:  10 * time.Millisecond,
		Getppid:   func() int { return 42 },
	})
	done := make(chan int, 1)
	go func() { done <- w.Run(context.Background()) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	for range 2 {
		resp, err := http.Get(url)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	select {
	case code := <-done:
		assert.Equal(t, process.ExitOK, code)
		assert.Equal(t, int64(2), w.Handled())
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop at its request limit")
	}
}

func TestRunWithoutListeners(t *testing.T) {
	w := New(Options{Boot: boot()})
	assert.Equal(t, process.ExitBootError, w.Run(context.Background()))
}
