package client

import (
	"encoding/json"
	"time"
)

// Response statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is one control command. The id is chosen by the caller and
// echoed in the response.
type Request struct {
	ID      int64  `json:"id"`
	Command string `json:"command"`
}

// Response answers the request with the same id.
type Response struct {
	ID     int64           `json:"id"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ScaleResult is returned by the worker and dirty add/remove commands
type ScaleResult struct {
	Added    int `json:"added,omitempty"`
	Removed  int `json:"removed,omitempty"`
	Previous int `json:"previous"`
	Total    int `json:"total"`
}

// Worker is one entry of "show workers"
type Worker struct {
	PID           int       `json:"pid"`
	Age           uint64    `json:"age"`
	Generation    int       `json:"generation"`
	BootedAt      time.Time `json:"booted_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Alive         bool      `json:"alive"`
	Ready         bool      `json:"ready"`
	Retiring      bool      `json:"retiring"`
}

// Stats is the answer to "show stats"
type Stats struct {
	PID        int    `json:"pid"`
	State      string `json:"state"`
	Uptime     string `json:"uptime"`
	Generation int    `json:"generation"`
	Target     int    `json:"target_workers"`
	Live       int    `json:"live_workers"`
	Reloads    uint64 `json:"reloads"`
	Spawned    uint64 `json:"spawned"`
	Reaped     uint64 `json:"reaped"`
	Timeouts   uint64 `json:"timeouts"`
}

// ServerError is a command the server answered with status "error"
type ServerError struct {
	ID      int64
	Command string
	Message string
}

func (e *ServerError) Error() string {
	return e.Command + ": " + e.Message
}
