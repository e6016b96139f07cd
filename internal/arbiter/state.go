package arbiter

import "github.com/benoitc/gunicorn-sub001/internal/config"

// State is the arbiter-level lifecycle state.
//
//	Starting -> Running <-> Reloading -> Stopping -> Halted
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateReloading
	StateStopping
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReloading:
		return "reloading"
	case StateStopping:
		return "stopping"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Event is an input to the control loop. Signals and control commands are
// both turned into events.
type Event int

const (
	EventReload Event = iota + 1
	EventGracefulStop
	EventQuickStop
	EventReopenLogs
	EventScaleUp
	EventScaleDown
	EventChildExited
)

func (e Event) String() string {
	switch e {
	case EventReload:
		return "reload"
	case EventGracefulStop:
		return "graceful-stop"
	case EventQuickStop:
		return "quick-stop"
	case EventReopenLogs:
		return "reopen-logs"
	case EventScaleUp:
		return "scale-up"
	case EventScaleDown:
		return "scale-down"
	case EventChildExited:
		return "child-exited"
	default:
		return "unknown"
	}
}

// EventFor maps a configured signal action to its event.
func EventFor(a config.Action) (Event, bool) {
	switch a {
	case config.ActionReload:
		return EventReload, true
	case config.ActionGracefulStop:
		return EventGracefulStop, true
	case config.ActionQuickStop:
		return EventQuickStop, true
	case config.ActionReopenLogs:
		return EventReopenLogs, true
	case config.ActionScaleUp:
		return EventScaleUp, true
	case config.ActionScaleDown:
		return EventScaleDown, true
	}
	return 0, false
}
