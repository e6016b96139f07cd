package supervise

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/benoitc/gunicorn-sub001/internal/arbiter"
	"github.com/benoitc/gunicorn-sub001/internal/metrics"
)

// ArbiterService runs the arbiter loop.
type ArbiterService struct {
	Arbiter *arbiter.Arbiter
}

func (s ArbiterService) Serve(ctx context.Context) error { return s.Arbiter.Run(ctx) }

func (s ArbiterService) String() string { return "arbiter" }

// MetricsService serves the Prometheus endpoint with gin.
type MetricsService struct {
	Listen          string
	ShutdownTimeout time.Duration
}

func (s MetricsService) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return g
}

func (s MetricsService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Listen)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		timeout := s.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("metrics server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s MetricsService) String() string { return "metrics-server" }

// SamplerService periodically samples the resource usage of live workers.
type SamplerService struct {
	Sampler  *metrics.Sampler
	Targets  func() []metrics.Target
	Interval time.Duration
}

func (s SamplerService) Serve(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sampler.Sample(ctx, s.Targets())
		}
	}
}

func (s SamplerService) String() string { return "resource-sampler" }

// WorkerTargets lists the live HTTP workers of the latest snapshot.
func WorkerTargets(a *arbiter.Arbiter) func() []metrics.Target {
	return func() []metrics.Target {
		snap := a.Snapshot()
		out := make([]metrics.Target, 0, len(snap.Workers))
		for _, w := range snap.Workers {
			if w.Alive {
				out = append(out, metrics.Target{PID: w.PID, Age: w.Age})
			}
		}
		return out
	}
}
