// Package shutdown stops the call core in order: stop taking calls,
// disconnect live calls, stop workers, then release connections.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service is one thing to stop.
type Service interface {
	Name() string
	// Shutdown returns when the service has stopped or ctx is done.
	Shutdown(ctx context.Context) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc struct {
	ServiceName string
	ShutdownFn  func(ctx context.Context) error
}

func (s ServiceFunc) Name() string                       { return s.ServiceName }
func (s ServiceFunc) Shutdown(ctx context.Context) error { return s.ShutdownFn(ctx) }

// Phase orders shutdown. Services in the same phase stop concurrently.
type Phase int

const (
	// PhaseStopIntake refuses new calls and fails readiness.
	PhaseStopIntake Phase = iota
	// PhaseDisconnect ends the calls still alive.
	PhaseDisconnect
	// PhaseStop stops the HTTP server, the call log writer and the event loop.
	PhaseStop
	// PhaseRelease closes the database pool and flushes the logger.
	PhaseRelease
)

var phases = []Phase{PhaseStopIntake, PhaseDisconnect, PhaseStop, PhaseRelease}

func (p Phase) String() string {
	switch p {
	case PhaseStopIntake:
		return "stop-intake"
	case PhaseDisconnect:
		return "disconnect"
	case PhaseStop:
		return "stop"
	case PhaseRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Drainer is told when shutdown starts, before any phase runs.
type Drainer interface {
	SetDraining(draining bool)
}

// Coordinator runs the registered services phase by phase.
type Coordinator struct {
	mu       sync.Mutex
	services map[Phase][]Service
	drainers []Drainer
	timeout  time.Duration
	logger   *zap.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	err          error
}

// Config holds configuration for the shutdown coordinator.
type Config struct {
	// Timeout bounds the whole shutdown, all phases together.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(cfg *Config, logger *zap.Logger) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Coordinator{
		services:   make(map[Phase][]Service),
		timeout:    cfg.Timeout,
		logger:     logger.Named("shutdown"),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Register adds a service to a phase.
func (c *Coordinator) Register(phase Phase, svc Service) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.services[phase] = append(c.services[phase], svc)
	c.logger.Debug("registered service for shutdown",
		zap.String("service", svc.Name()),
		zap.Stringer("phase", phase),
	)
}

// RegisterFunc registers a shutdown function.
func (c *Coordinator) RegisterFunc(phase Phase, name string, fn func(ctx context.Context) error) {
	c.Register(phase, ServiceFunc{ServiceName: name, ShutdownFn: fn})
}

// Watch registers a Drainer.
func (c *Coordinator) Watch(d Drainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainers = append(c.drainers, d)
}

// Shutdown starts the shutdown once and waits for it, or for ctx. The
// shutdown itself always gets the full configured timeout. The returned
// error joins every service failure.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
		go c.run()
	})

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShutdownCh is closed when shutdown starts.
func (c *Coordinator) ShutdownCh() <-chan struct{} {
	return c.shutdownCh
}

// Done is closed when every phase has run.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) run() {
	defer close(c.done)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.logger.Info("starting graceful shutdown", zap.Duration("timeout", c.timeout))

	c.mu.Lock()
	drainers := append([]Drainer(nil), c.drainers...)
	c.mu.Unlock()
	for _, d := range drainers {
		d.SetDraining(true)
	}

	var errs []error
	for _, phase := range phases {
		c.mu.Lock()
		services := append([]Service(nil), c.services[phase]...)
		c.mu.Unlock()

		if len(services) == 0 {
			continue
		}

		c.logger.Info("executing shutdown phase",
			zap.Stringer("phase", phase),
			zap.Int("services", len(services)),
		)
		errs = append(errs, c.shutdownPhase(ctx, phase, services)...)

		if ctx.Err() != nil {
			c.logger.Error("shutdown timeout exceeded",
				zap.Stringer("phase", phase),
				zap.Error(ctx.Err()),
			)
			errs = append(errs, fmt.Errorf("phase %s: %w", phase, ctx.Err()))
			break
		}
	}

	c.err = errors.Join(errs...)
	if c.err != nil {
		c.logger.Error("shutdown completed with errors", zap.Int("error_count", len(errs)), zap.Error(c.err))
		return
	}
	c.logger.Info("graceful shutdown complete")
}

func (c *Coordinator) shutdownPhase(ctx context.Context, phase Phase, services []Service) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(services))

	for _, svc := range services {
		wg.Add(1)
		go func(s Service) {
			defer wg.Done()

			start := time.Now()
			if err := s.Shutdown(ctx); err != nil {
				c.logger.Error("service shutdown failed",
					zap.String("service", s.Name()),
					zap.Stringer("phase", phase),
					zap.Duration("duration", time.Since(start)),
					zap.Error(err),
				)
				errCh <- fmt.Errorf("%s: %w", s.Name(), err)
				return
			}
			c.logger.Debug("service stopped",
				zap.String("service", s.Name()),
				zap.Stringer("phase", phase),
				zap.Duration("duration", time.Since(start)),
			)
		}(svc)
	}

	wg.Wait()
	close(errCh)

	errs := make([]error, 0, len(services))
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}
