// Package supervise runs the arbiter's in-process services under a suture
// supervision tree. The arbiter loop sits in its own layer; when it halts
// the whole tree stops.
package supervise

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay in seconds.
	FailureDecay float64
	// FailureBackoff is the duration to wait when threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout is the maximum time to wait for a service to stop.
	ShutdownTimeout time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is a two layer supervisor: core holds the arbiter loop, services
// holds everything that answers for it (control socket, metrics, history).
type Tree struct {
	root     *suture.Supervisor
	core     *suture.Supervisor
	services *suture.Supervisor

	mu  sync.Mutex
	err error
}

func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	handler := &sutureslog.Handler{Logger: logger}
	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = handler.MustHook()

	t := &Tree{
		root:     suture.New("gunicorn", rootSpec),
		core:     suture.New("core", spec),
		services: suture.New("services", spec),
	}
	t.root.Add(t.core)
	t.root.Add(t.services)
	return t
}

// AddCore adds a service whose return ends the tree, such as the arbiter
// loop. A non-nil error it returns is reported by Serve.
func (t *Tree) AddCore(svc Runner) suture.ServiceToken {
	return t.core.Add(&terminal{Runner: svc, tree: t})
}

// AddService adds a restartable service.
func (t *Tree) AddService(svc suture.Service) suture.ServiceToken {
	return t.services.Add(svc)
}

// Serve blocks until a core service returns or ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	err := t.root.Serve(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	if errors.Is(err, suture.ErrTerminateSupervisorTree) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// UnstoppedServiceReport lists services that ignored the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Runner is a service that runs once.
type Runner interface {
	Serve(ctx context.Context) error
	String() string
}

type terminal struct {
	Runner
	tree *Tree
}

func (s *terminal) Serve(ctx context.Context) error {
	err := s.Runner.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.tree.mu.Lock()
		if s.tree.err == nil {
			s.tree.err = err
		}
		s.tree.mu.Unlock()
	}
	return suture.ErrTerminateSupervisorTree
}
