package dirty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/arbiter"
	"github.com/benoitc/gunicorn-sub001/internal/env"
	"github.com/benoitc/gunicorn-sub001/internal/process"
)

// Test apps are registered once for the whole package.
var (
	streamProduced atomic.Int64
	streamGate     = make(chan struct{}, 16)
)

func init() {
	RegisterApp("test-echo", func() App { return &testApp{} })
	RegisterApp("test-other", func() App { return &testApp{} })
}

type testApp struct {
	params map[string]any
}

func (a *testApp) Init(_ context.Context, params map[string]any) error {
	if params["fail"] == true {
		return errors.New("init refused")
	}
	a.params = params
	return nil
}

func (a *testApp) Call(ctx context.Context, action string, args Args) (any, error) {
	switch action {
	case "echo":
		if len(args.Positional) == 0 {
			return args.Keyword, nil
		}
		return args.Positional[0], nil
	case "param":
		return a.params["greeting"], nil
	case "fail":
		return nil, errors.New("boom")
	case "panic":
		panic("kaboom")
	case "count":
		n := 3
		if len(args.Positional) > 0 {
			n = int(args.Positional[0].(uint64))
		}
		return Stream(func(yield func(any, error) bool) {
			for i := range n {
				if !yield(uint64(i), nil) {
					return
				}
			}
		}), nil
	case "gated":
		// five chunks; each one waits for the test to release it
		return Stream(func(yield func(any, error) bool) {
			for i := range 5 {
				select {
				case <-streamGate:
				case <-ctx.Done():
					return
				}
				streamProduced.Add(1)
				if !yield(uint64(i), nil) {
					return
				}
			}
		}), nil
	case "broken":
		return Stream(func(yield func(any, error) bool) {
			if !yield("first", nil) {
				return
			}
			yield(nil, errors.New("stream broke"))
		}), nil
	}
	return nil, ActionError("test", action)
}

func (a *testApp) Close() error { return nil }

// fakeProcs is a process.Manager that never forks. Stop signals queue an
// exit for the next reap and run onStop.
type fakeProcs struct {
	mu      sync.Mutex
	nextPID int
	spawned []process.Spec
	signals map[int][]syscall.Signal
	exits   []process.Exit
	onSpawn func(pid int, spec process.Spec)
	onStop  func(pid int)
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{nextPID: 2000, signals: make(map[int][]syscall.Signal)}
}

func (f *fakeProcs) Spawn(spec process.Spec) (int, error) {
	f.mu.Lock()
	f.nextPID++
	pid := f.nextPID
	f.spawned = append(f.spawned, spec)
	hook := f.onSpawn
	f.mu.Unlock()
	if hook != nil {
		hook(pid, spec)
	}
	return pid, nil
}

func (f *fakeProcs) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	f.signals[pid] = append(f.signals[pid], sig)
	stop := sig == syscall.SIGTERM || sig == syscall.SIGQUIT || sig == syscall.SIGKILL
	if stop {
		f.exits = append(f.exits, process.Exit{PID: pid, Cause: process.CauseNormal})
	}
	hook := f.onStop
	f.mu.Unlock()
	if stop && hook != nil {
		hook(pid)
	}
	return nil
}

func (f *fakeProcs) Reap() []process.Exit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.exits
	f.exits = nil
	return out
}

func (f *fakeProcs) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeProcs) sentTo(pid int) []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syscall.Signal(nil), f.signals[pid]...)
}

// beatEpoch is the boot time of every fakeBeat; fakeNow stays within the
// pool timeout of it.
var beatEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fakeNow() time.Time { return beatEpoch.Add(5 * time.Second) }

// fakeBeat is a heartbeat the test advances by hand.
type fakeBeat struct {
	mu sync.Mutex
	t  time.Time
}

func (b *fakeBeat) File() *os.File { return nil }

func (b *fakeBeat) LastUpdate() (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.t, nil
}

func (b *fakeBeat) Close() error { return nil }

func (b *fakeBeat) advance(d time.Duration) {
	b.mu.Lock()
	b.t = b.t.Add(d)
	b.mu.Unlock()
}

type beats struct {
	mu  sync.Mutex
	all []*fakeBeat
}

func (b *beats) factory() (arbiter.Heartbeat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hb := &fakeBeat{t: beatEpoch}
	b.all = append(b.all, hb)
	return hb, nil
}

// readyAll makes every heartbeat newer than its boot time.
func (b *beats) readyAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, hb := range b.all {
		hb.advance(time.Second)
	}
}

// bootLauncher carries the planned apps in Args and the socket in Env so
// fakes can start in-process hosts.
type bootLauncher struct{}

func (bootLauncher) Spec(b env.Boot, hb *os.File) (process.Spec, error) {
	return process.Spec{
		Name:       b.Role,
		Path:       "/bin/true",
		Args:       b.Apps,
		Env:        []string{"SOCKET=" + b.Socket, fmt.Sprintf("AGE=%d", b.Age)},
		ExtraFiles: []*os.File{hb},
	}, nil
}

func specSocket(spec process.Spec) string {
	for _, kv := range spec.Env {
		if v, ok := strings.CutPrefix(kv, "SOCKET="); ok {
			return v
		}
	}
	return ""
}

// fileBeat notifies through a heartbeat descriptor owned by the arbiter.
type fileBeat struct {
	mu   sync.Mutex
	f    *os.File
	spin byte
}

func (b *fileBeat) Notify() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spin ^= 1
	_, err := b.f.WriteAt([]byte{b.spin}, 0)
	return err
}
