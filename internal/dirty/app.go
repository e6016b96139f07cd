package dirty

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// Args are the positional and keyword arguments of an invocation. Values
// are whatever the CBOR decoder produced: integers arrive as int64 or
// uint64, maps as map[string]any.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// Stream is a lazy, finite, non-restartable sequence of chunks. The host
// stops pulling (the yield function returns false) when the caller has
// gone away; producers must return promptly when that happens.
type Stream = iter.Seq2[any, error]

// App is an application hosted by a dirty worker. Call returns either a
// single value or a Stream for streamed results.
type App interface {
	Init(ctx context.Context, params map[string]any) error
	Call(ctx context.Context, action string, args Args) (any, error)
	Close() error
}

// Factory creates a fresh App instance.
type Factory func() App

var (
	appsMu sync.RWMutex
	apps   = map[string]Factory{}
)

// RegisterApp makes an application available to dirty workers under name.
// It panics on duplicate registration.
func RegisterApp(name string, f Factory) {
	appsMu.Lock()
	defer appsMu.Unlock()
	if _, dup := apps[name]; dup {
		panic(fmt.Sprintf("dirty: app %q registered twice", name))
	}
	apps[name] = f
}

// Registered returns the names of all registered apps, sorted.
func Registered() []string {
	appsMu.RLock()
	defer appsMu.RUnlock()
	out := make([]string, 0, len(apps))
	for n := range apps {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func lookupApp(name string) (Factory, bool) {
	appsMu.RLock()
	defer appsMu.RUnlock()
	f, ok := apps[name]
	return f, ok
}

// ActionError is returned by apps for an action they do not implement.
func ActionError(app, action string) error {
	return &Error{Code: CodeUnknownAction, Message: fmt.Sprintf("app %q has no action %q", app, action)}
}
