package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/dirty"
	"github.com/benoitc/gunicorn-sub001/pkg/client"
)

// CtlFlags holds ctl command flags
type CtlFlags struct {
	Socket  string
	Timeout time.Duration
}

func createCtlCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &CtlFlags{}
	cmd := &cobra.Command{
		Use:   "ctl <command> [args...]",
		Short: "Send a command to a running arbiter",
		Long: `Send one command over the control socket and print the JSON reply.

Commands:
  show [all|workers|dirty|config|stats|listeners]
  worker add [n] | worker remove [n] | worker kill <pid>
  dirty add [n] | dirty remove [n]
  reload | reopen | shutdown [graceful|quick] | help`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			socket, err := resolveSocket(flags.Socket, globalFlags.ConfigPath, func(c *config.Config) string { return c.ControlSocket })
			if err != nil {
				return err
			}
			return runCtl(cmd.Context(), cmd.OutOrStdout(), socket, flags.Timeout, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&flags.Socket, "socket", "s", "", "control socket path (default from config)")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

// resolveSocket prefers the explicit flag, then the config file, then
// the default configuration.
func resolveSocket(flag, configPath string, pick func(*config.Config) string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if configPath == "" {
		d := config.Default()
		return pick(&d), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	return pick(cfg), nil
}

func runCtl(ctx context.Context, out io.Writer, socket string, timeout time.Duration, command string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.Dial(ctx, client.Config{Socket: socket})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	data, err := c.Do(ctx, command)
	if err != nil {
		return err
	}
	return printJSON(out, data)
}

func printJSON(out io.Writer, data []byte) error {
	if len(data) == 0 {
		_, err := fmt.Fprintln(out, "ok")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	_, err := fmt.Fprintln(out, buf.String())
	return err
}

func createAppsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List dirty apps compiled into this binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range dirty.Registered() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
