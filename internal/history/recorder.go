package history

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the number of events queued before Record drops.
const DefaultBuffer = 256

// Recorder fans events out to sinks from its own goroutine so that the
// arbiter loop never blocks on a slow database.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	events  chan Event
	dropped atomic.Uint64
	timeout time.Duration
}

func NewRecorder(log *slog.Logger, buffer int, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log, events: make(chan Event, buffer), timeout: 5 * time.Second}
}

// Record enqueues e. It never blocks; events are dropped when the queue
// is full. A nil Recorder ignores events.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case r.events <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("history queue full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Serve delivers queued events until ctx is done, then drains what is
// left with a short deadline.
func (r *Recorder) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case e := <-r.events:
			r.send(context.Background(), e)
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for {
		select {
		case e := <-r.events:
			r.send(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) send(parent context.Context, e Event) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(parent, r.timeout)
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink send failed", "type", e.Type, "pid", e.Record.PID, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *Recorder) String() string { return "history-recorder" }
