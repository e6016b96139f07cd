// Package history exports worker lifecycle events to external stores.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn  EventType = "spawn"
	EventExit   EventType = "exit"
	EventReload EventType = "reload"
)

// Record describes the worker an event is about.
type Record struct {
	Pool       string   `json:"pool"`
	PID        int      `json:"pid"`
	Age        uint64   `json:"age"`
	Generation int      `json:"generation"`
	Cause      string   `json:"cause,omitempty"`
	ExitCode   int      `json:"exit_code,omitempty"`
	Signal     string   `json:"signal,omitempty"`
	Apps       []string `json:"apps,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
