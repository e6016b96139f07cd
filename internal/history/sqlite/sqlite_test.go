package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	rec := history.Record{Pool: "dirty", PID: 4242, Age: 3, Generation: 1, Apps: []string{"echo", "model"}}
	if err := sink.Send(ctx, history.Event{Type: history.EventSpawn, OccurredAt: time.Now(), Record: rec}); err != nil {
		t.Fatalf("Failed to send spawn event: %v", err)
	}
	rec.Cause = "timeout"
	rec.Signal = "SIGKILL"
	if err := sink.Send(ctx, history.Event{Type: history.EventExit, OccurredAt: time.Now(), Record: rec}); err != nil {
		t.Fatalf("Failed to send exit event: %v", err)
	}

	n, err := sink.Count(ctx, history.EventExit, 4242)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 exit row, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e := history.Event{Type: history.EventSpawn, OccurredAt: time.Now(), Record: history.Record{Pool: "http", PID: 7, Age: uint64(i + 1)}}
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	n, err := sink.Count(ctx, history.EventSpawn, 7)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 spawn rows, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, history.Event{Type: history.EventSpawn}); err == nil {
		t.Fatalf("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
