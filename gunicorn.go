// Package gunicorn embeds the pre-fork arbiter. Programs that host their
// own dirty apps register them in init and call Main.
package gunicorn

import (
	"context"

	"github.com/benoitc/gunicorn-sub001/internal/cli"
	"github.com/benoitc/gunicorn-sub001/internal/config"
	"github.com/benoitc/gunicorn-sub001/internal/dirty"
	"github.com/benoitc/gunicorn-sub001/internal/supervise"
	"github.com/benoitc/gunicorn-sub001/pkg/client"
)

// Re-export the types an embedding program needs.

type Config = config.Config

type App = dirty.App

type Args = dirty.Args

type Stream = dirty.Stream

type Factory = dirty.Factory

type DirtyError = dirty.Error

type DirtyClient = dirty.Client

type ControlClient = client.Client

// RegisterApp makes a dirty app available under name.
func RegisterApp(name string, f Factory) { dirty.RegisterApp(name, f) }

// Apps lists the registered dirty apps.
func Apps() []string { return dirty.Registered() }

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads and validates a TOML or YAML config file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Run starts the arbiter with the config at path and blocks until it halts.
func Run(ctx context.Context, path string) error {
	return supervise.RunMaster(ctx, supervise.MasterOptions{ConfigPath: path})
}

// RunConfig is Run with an already loaded configuration. Reloads still
// read path when it is set.
func RunConfig(ctx context.Context, path string, c *Config) error {
	return supervise.RunMaster(ctx, supervise.MasterOptions{ConfigPath: path, Config: c})
}

// Main runs the command line. Child processes re-enter the binary through
// it, so it must be what main calls.
func Main() { cli.Execute() }

// Dial connects to an arbiter's control socket.
func Dial(ctx context.Context, socket string) (*ControlClient, error) {
	return client.Dial(ctx, client.Config{Socket: socket})
}

// NewDirtyClient invokes dirty apps through the dirty arbiter socket.
func NewDirtyClient(socket string) *DirtyClient { return dirty.NewClient(socket) }
