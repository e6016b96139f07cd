// Package registry holds the in-memory worker table owned by one arbiter.
//
// A Registry is not safe for concurrent use: it is mutated only by the
// control loop that owns it. Readers outside the loop consume snapshots.
package registry

import (
	"slices"
	"time"
)

// Record describes one live or recently-live worker process.
type Record struct {
	PID           int
	Age           uint64 // spawn sequence number, never reused
	Generation    int    // reload generation the worker was spawned in
	BootedAt      time.Time
	LastHeartbeat time.Time
	Alive         bool
	Ready         bool // a heartbeat newer than boot has been observed

	// Retiring is set once a graceful stop was requested for this worker
	// only; Deadline is when it gets SIGKILL if still running.
	Retiring bool
	Deadline time.Time

	// Cause is set by the arbiter when it terminates the worker itself
	// (e.g. "timeout") and reported when the process is reaped.
	Cause string
}

func (r *Record) Base() *Record { return r }

// Live reports whether the worker counts toward capacity.
func (r *Record) Live() bool { return r.Alive && !r.Retiring }

// DirtyRecord is a task worker hosting a subset of the configured apps.
type DirtyRecord struct {
	Record
	Apps   []string // ordered set of loaded application names
	Socket string   // invocation socket path of the worker
}

// Hosts reports whether app is loaded in the worker.
func (r *DirtyRecord) Hosts(app string) bool { return slices.Contains(r.Apps, app) }

// Entry is implemented by *Record and *DirtyRecord.
type Entry interface {
	Base() *Record
}

// Registry maps pids to worker records and issues ages.
type Registry[T Entry] struct {
	lastAge uint64
	entries map[int]T
}

func New[T Entry]() *Registry[T] {
	return &Registry[T]{entries: make(map[int]T)}
}

// NextAge reserves the next spawn sequence number. Ages of failed spawns
// are simply skipped.
func (r *Registry[T]) NextAge() uint64 {
	r.lastAge++
	return r.lastAge
}

// LastAge is the most recently issued age.
func (r *Registry[T]) LastAge() uint64 { return r.lastAge }

// Add inserts a record. Its Age must have come from NextAge.
func (r *Registry[T]) Add(e T) {
	r.entries[e.Base().PID] = e
}

// Remove deletes and returns the record for pid.
func (r *Registry[T]) Remove(pid int) (T, bool) {
	e, ok := r.entries[pid]
	if ok {
		delete(r.entries, pid)
	}
	return e, ok
}

func (r *Registry[T]) Get(pid int) (T, bool) {
	e, ok := r.entries[pid]
	return e, ok
}

// Touch records a heartbeat. Unknown pids are ignored so a reaped worker
// can never be revived by a late heartbeat.
func (r *Registry[T]) Touch(pid int, t time.Time) bool {
	e, ok := r.entries[pid]
	if !ok {
		return false
	}
	b := e.Base()
	if t.After(b.LastHeartbeat) {
		b.LastHeartbeat = t
		if t.After(b.BootedAt) {
			b.Ready = true
		}
	}
	return true
}

func (r *Registry[T]) Len() int { return len(r.entries) }

// Sorted returns all records ordered by age ascending.
func (r *Registry[T]) Sorted() []T {
	out := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b T) int {
		aa, ba := a.Base().Age, b.Base().Age
		switch {
		case aa < ba:
			return -1
		case aa > ba:
			return 1
		}
		return 0
	})
	return out
}

// Select returns records matching keep, ordered by age ascending.
func (r *Registry[T]) Select(keep func(T) bool) []T {
	all := r.Sorted()
	out := all[:0]
	for _, e := range all {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many records match keep.
func (r *Registry[T]) Count(keep func(T) bool) int {
	n := 0
	for _, e := range r.entries {
		if keep(e) {
			n++
		}
	}
	return n
}

// Oldest returns up to n records matching keep, lowest age first.
func (r *Registry[T]) Oldest(n int, keep func(T) bool) []T {
	sel := r.Select(keep)
	if n < len(sel) {
		sel = sel[:n]
	}
	return sel
}
