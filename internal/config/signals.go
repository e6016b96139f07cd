package config

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Action is an arbiter control action that a signal can trigger.
type Action string

const (
	ActionReload       Action = "reload"
	ActionGracefulStop Action = "graceful_stop"
	ActionQuickStop    Action = "quick_stop"
	ActionReopenLogs   Action = "reopen_logs"
	ActionScaleUp      Action = "scale_up"
	ActionScaleDown    Action = "scale_down"
)

// SignalByName resolves "SIGHUP", "HUP" or "hup" to its number.
func SignalByName(name string) (syscall.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := unix.SignalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// ParseSignals builds the signal table. A signal may map to one action
// only; SIGKILL, SIGSTOP and SIGCHLD cannot be remapped.
func ParseSignals(sc SignalConfig) (map[syscall.Signal]Action, error) {
	out := make(map[syscall.Signal]Action)
	groups := []struct {
		action Action
		names  []string
	}{
		{ActionReload, sc.Reload},
		{ActionGracefulStop, sc.GracefulStop},
		{ActionQuickStop, sc.QuickStop},
		{ActionReopenLogs, sc.ReopenLogs},
		{ActionScaleUp, sc.ScaleUp},
		{ActionScaleDown, sc.ScaleDown},
	}
	for _, g := range groups {
		for _, name := range g.names {
			sig, err := SignalByName(name)
			if err != nil {
				return nil, fmt.Errorf("signals.%s: %w", g.action, err)
			}
			switch sig {
			case syscall.SIGKILL, syscall.SIGSTOP, syscall.SIGCHLD:
				return nil, fmt.Errorf("signals.%s: %s cannot be used", g.action, name)
			}
			if prev, ok := out[sig]; ok && prev != g.action {
				return nil, fmt.Errorf("signals.%s: %s already mapped to %s", g.action, name, prev)
			}
			out[sig] = g.action
		}
	}
	return out, nil
}
