package arbiter

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/env"
	"github.com/benoitc/gunicorn-sub001/internal/process"
)

type sent struct {
	pid int
	sig syscall.Signal
}

// fakeProcs is a process.Manager that never forks.
type fakeProcs struct {
	mu       sync.Mutex
	nextPID  int
	spawned  []process.Spec
	pids     []int
	signals  []sent
	exits    []process.Exit
	failNext int
}

func newFakeProcs() *fakeProcs { return &fakeProcs{nextPID: 1000} }

func (f *fakeProcs) Spawn(spec process.Spec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return 0, errors.New("fork: resource temporarily unavailable")
	}
	f.nextPID++
	f.spawned = append(f.spawned, spec)
	f.pids = append(f.pids, f.nextPID)
	return f.nextPID, nil
}

func (f *fakeProcs) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sent{pid, sig})
	return nil
}

func (f *fakeProcs) Reap() []process.Exit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.exits
	f.exits = nil
	return out
}

// exit queues a child exit to be reaped on the next tick.
func (f *fakeProcs) exit(pid int, cause process.Cause) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits = append(f.exits, process.Exit{PID: pid, Cause: cause})
}

func (f *fakeProcs) sentTo(pid int) []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []syscall.Signal
	for _, s := range f.signals {
		if s.pid == pid {
			out = append(out, s.sig)
		}
	}
	return out
}

func (f *fakeProcs) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeBeat is a heartbeat whose last update is set by the test.
type fakeBeat struct {
	mu     sync.Mutex
	t      time.Time
	closed bool
}

func (b *fakeBeat) File() *os.File { return nil }

func (b *fakeBeat) LastUpdate() (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.t, nil
}

func (b *fakeBeat) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBeat) beat(t time.Time) {
	b.mu.Lock()
	b.t = t
	b.mu.Unlock()
}

// beats hands out fakeBeats stamped with the clock and remembers them in
// creation order, which matches spawn order.
type beats struct {
	mu    sync.Mutex
	clock *clock
	all   []*fakeBeat
}

func (b *beats) factory() (Heartbeat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hb := &fakeBeat{t: b.clock.Now()}
	b.all = append(b.all, hb)
	return hb, nil
}

// recordLauncher returns specs carrying the boot role as the name.
type recordLauncher struct{}

func (recordLauncher) Spec(b env.Boot, hb *os.File) (process.Spec, error) {
	return process.Spec{Name: b.Role, Path: "/bin/true", Args: []string{b.Role}}, nil
}
