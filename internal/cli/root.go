// Package cli builds the gunicorn command tree. Custom binaries that
// register their own dirty apps call Execute from main.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benoitc/gunicorn-sub001/internal/env"
	"github.com/benoitc/gunicorn-sub001/internal/process"
	"github.com/benoitc/gunicorn-sub001/internal/supervise"
)

// GlobalFlags holds the persistent flags.
type GlobalFlags struct {
	ConfigPath string
}

// Execute runs the command line and exits on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand creates the root command and its subcommands.
func NewRootCommand() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "gunicorn",
		Short: "Pre-fork worker arbiter",
		Long: `gunicorn runs a pool of HTTP worker processes under an arbiter, plus
an optional dirty arbiter hosting long-running task apps.

Examples:
  gunicorn serve --config gunicorn.toml
  gunicorn ctl show workers
  gunicorn ctl worker add 2
  gunicorn call echo echo '"hello"'`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML or YAML config file")

	root.AddCommand(
		createServeCommand(flags),
		createCtlCommand(flags),
		createCallCommand(flags),
		createAppsCommand(),
		createChildCommand(env.RoleWorker, supervise.RunWorker),
		createChildCommand(env.RoleDirtyArbiter, supervise.RunDirtyArbiter),
		createChildCommand(env.RoleDirtyWorker, supervise.RunDirtyWorker),
	)
	return root
}

// createChildCommand builds a hidden role command. Children are started by
// the arbiter with the boot parameters in the environment; the master pid
// flag only marks the command line for orphan detection.
func createChildCommand(role string, run func(context.Context) int) *cobra.Command {
	var masterPID int
	cmd := &cobra.Command{
		Use:    role,
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(run(context.Background()))
		},
	}
	cmd.Flags().IntVar(&masterPID, process.MasterPIDFlag[2:], 0, "pid of the main arbiter")
	return cmd
}
