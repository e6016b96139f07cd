package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/dirty"
)

// CallFlags holds call command flags
type CallFlags struct {
	Socket  string
	Stream  bool
	Kwargs  map[string]string
	Timeout time.Duration
}

func createCallCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &CallFlags{}
	cmd := &cobra.Command{
		Use:   "call <app> <action> [args...]",
		Short: "Invoke a dirty app action",
		Long: `Invoke an action on a dirty app through the dirty arbiter socket.
Each argument is decoded as JSON when it parses, otherwise passed as a string.

Examples:
  gunicorn call echo echo '"hi"' 42
  gunicorn call echo count 3 --stream
  gunicorn call echo echo --kwarg upper=true`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, err := resolveSocket(flags.Socket, globalFlags.ConfigPath, func(c *config.Config) string { return c.Dirty.Socket })
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if flags.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, flags.Timeout)
				defer cancel()
			}
			return runCall(ctx, cmd.OutOrStdout(), dirty.NewClient(socket), args[0], args[1], callArgs(args[2:], flags.Kwargs), flags.Stream)
		},
	}
	cmd.Flags().StringVarP(&flags.Socket, "socket", "s", "", "dirty arbiter socket path (default from config)")
	cmd.Flags().BoolVar(&flags.Stream, "stream", false, "print streamed chunks as they arrive")
	cmd.Flags().StringToStringVar(&flags.Kwargs, "kwarg", nil, "keyword argument key=value (repeatable)")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "overall timeout (0 waits for the app)")
	return cmd
}

// callArgs decodes each value as JSON, falling back to the raw string.
func callArgs(positional []string, kwargs map[string]string) dirty.Args {
	decode := func(s string) any {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return s
		}
		return v
	}
	a := dirty.Args{Positional: make([]any, 0, len(positional))}
	for _, p := range positional {
		a.Positional = append(a.Positional, decode(p))
	}
	if len(kwargs) > 0 {
		a.Keyword = make(map[string]any, len(kwargs))
		for k, v := range kwargs {
			a.Keyword[k] = decode(v)
		}
	}
	return a
}

type invoker interface {
	Call(ctx context.Context, app, action string, args dirty.Args) (any, error)
	Stream(ctx context.Context, app, action string, args dirty.Args, onChunk func(any) error) (any, error)
}

func runCall(ctx context.Context, out io.Writer, inv invoker, app, action string, args dirty.Args, stream bool) error {
	if !stream {
		res, err := inv.Call(ctx, app, action, args)
		if err != nil {
			return err
		}
		return printValue(out, res, "  ")
	}
	_, err := inv.Stream(ctx, app, action, args, func(chunk any) error {
		return printValue(out, chunk, "")
	})
	return err
}

func printValue(out io.Writer, v any, indent string) error {
	var (
		b   []byte
		err error
	)
	if indent == "" {
		b, err = json.Marshal(jsonSafe(v))
	} else {
		b, err = json.MarshalIndent(jsonSafe(v), "", indent)
	}
	if err != nil {
		_, err = fmt.Fprintf(out, "%v\n", v)
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

// jsonSafe converts the map[any]any values CBOR may produce.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = jsonSafe(e)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = jsonSafe(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = jsonSafe(e)
		}
		return s
	default:
		return v
	}
}
