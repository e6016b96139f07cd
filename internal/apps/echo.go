// Package apps holds the dirty apps compiled into the gunicorn binary.
package apps

import (
	"context"
	"fmt"
	"time"

	"github.com/benoitc/gunicorn-sub001/internal/dirty"
)

func init() {
	dirty.RegisterApp("echo", func() dirty.App { return &Echo{} })
}

// Echo returns its arguments and streams counters. Its params are
// "prefix" (string, prepended to echoed strings) and "delay" (duration
// between streamed chunks).
type Echo struct {
	prefix string
	delay  time.Duration
	calls  uint64
}

func (e *Echo) Init(_ context.Context, params map[string]any) error {
	if v, ok := params["prefix"].(string); ok {
		e.prefix = v
	}
	if v, ok := params["delay"]; ok {
		d, err := duration(v)
		if err != nil {
			return fmt.Errorf("echo: delay: %w", err)
		}
		e.delay = d
	}
	return nil
}

func (e *Echo) Call(ctx context.Context, action string, args dirty.Args) (any, error) {
	e.calls++
	switch action {
	case "echo":
		out := make([]any, 0, len(args.Positional))
		for _, a := range args.Positional {
			if s, ok := a.(string); ok {
				a = e.prefix + s
			}
			out = append(out, a)
		}
		if len(out) == 1 {
			return out[0], nil
		}
		return out, nil
	case "count":
		n, err := intArg(args, 0, "n", 10)
		if err != nil {
			return nil, err
		}
		return dirty.Stream(func(yield func(any, error) bool) {
			for i := range n {
				if i > 0 && e.delay > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(e.delay):
					}
				}
				if !yield(i, nil) {
					return
				}
			}
		}), nil
	case "stats":
		return map[string]any{"calls": e.calls}, nil
	}
	return nil, dirty.ActionError("echo", action)
}

func (e *Echo) Close() error { return nil }

func intArg(args dirty.Args, pos int, key string, def int) (int, error) {
	var v any
	if pos < len(args.Positional) {
		v = args.Positional[pos]
	} else if kv, ok := args.Keyword[key]; ok {
		v = kv
	} else {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, &dirty.Error{Code: dirty.CodeBadRequest, Message: fmt.Sprintf("%s must be an integer, got %T", key, v)}
}

func duration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		return time.ParseDuration(d)
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case int64:
		return time.Duration(d) * time.Millisecond, nil
	case uint64:
		return time.Duration(d) * time.Millisecond, nil
	case float64:
		return time.Duration(d * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("unsupported value %v", v)
}
