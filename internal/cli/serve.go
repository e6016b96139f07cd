package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/supervise"
)

// ServeFlags holds serve command flags
type ServeFlags struct {
	Daemonize bool
	LogFile   string
	Bind      []string
	Workers   int
	PIDFile   string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the arbiter",
		Long: `Start the arbiter, bind the listeners and spawn the worker pool.

Examples:
  gunicorn serve                          # defaults, 127.0.0.1:8000
  gunicorn serve gunicorn.toml            # with a config file
  gunicorn serve -b 0.0.0.0:8080 -w 4     # override bind and workers
  gunicorn serve --daemonize --logfile gunicorn.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := loadServeConfig(cmd, path, serveFlags)
			if err != nil {
				return err
			}
			if serveFlags.Daemonize {
				return daemonize(serveFlags.LogFile)
			}
			return supervise.RunMaster(context.Background(), supervise.MasterOptions{ConfigPath: path, Config: cfg})
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().StringSliceVarP(&serveFlags.Bind, "bind", "b", nil, "address to bind, host:port or unix:/path (repeatable)")
	cmd.Flags().IntVarP(&serveFlags.Workers, "workers", "w", 0, "number of HTTP workers")
	cmd.Flags().StringVar(&serveFlags.PIDFile, "pidfile", "", "arbiter pid file")

	return cmd
}

// loadServeConfig loads path and applies the flags the user set.
func loadServeConfig(cmd *cobra.Command, path string, f *ServeFlags) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if cmd.Flags().Changed("bind") {
		cfg.Bind = f.Bind
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = f.Workers
	}
	if cmd.Flags().Changed("pidfile") {
		cfg.PIDFile = f.PIDFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// daemonize re-executes the command in a new session without the daemon
// flags and exits the parent. The arbiter writes its own pid file.
func daemonize(logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// daemonArgs strips --daemonize and --logfile from args.
func daemonArgs(args []string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize", arg == "--daemonize=true":
			continue
		case arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	return out
}
