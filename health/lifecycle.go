package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrUnhealthy is returned by Lifecycle.Start when a health check fails.
var ErrUnhealthy = errors.New("health: service is unhealthy")

// Stopper is a component that can be stopped gracefully, such as a subscriber.
type Stopper interface {
	Stop(ctx context.Context) error
}

type namedStopper struct {
	name string
	Stopper
}

type namedCloser struct {
	name  string
	close func() error
}

// Lifecycle is the process start/stop hook. Start verifies health before the
// service takes traffic; Stop shuts consumers down before releasing the
// resources they depend on.
type Lifecycle struct {
	registry *Registry
	logger   *slog.Logger

	mu        sync.Mutex
	consumers []namedStopper
	closers   []namedCloser
}

// LifecycleOption configures a Lifecycle
type LifecycleOption func(*Lifecycle)

// WithLifecycleLogger sets the logger
func WithLifecycleLogger(logger *slog.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		l.logger = logger
	}
}

// NewLifecycle creates a lifecycle hook that verifies health through registry
func NewLifecycle(registry *Registry, options ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// AddConsumer registers a consumer to stop on shutdown. Consumers are
// stopped in reverse registration order.
func (l *Lifecycle) AddConsumer(name string, s Stopper) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumers = append(l.consumers, namedStopper{name: name, Stopper: s})
}

// AddCloser registers a resource to close after all consumers have stopped.
// Closers run in reverse registration order.
func (l *Lifecycle) AddCloser(name string, fn func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closers = append(l.closers, namedCloser{name: name, close: fn})
}

// Start runs all health checks and fails when any of them is unhealthy.
// Degraded checks are logged but do not fail startup.
func (l *Lifecycle) Start(ctx context.Context) error {
	health := l.registry.Check(ctx)

	switch health.Status {
	case StatusUnhealthy:
		failing := health.Failing()
		l.logger.Error("startup health check failed", "failing", failing)
		return fmt.Errorf("%w: %s", ErrUnhealthy, strings.Join(failing, ", "))
	case StatusDegraded:
		l.logger.Warn("starting with degraded health", "degraded", health.Failing())
	default:
		l.logger.Info("startup health check passed", "checks", len(health.Checks), "duration", health.Duration)
	}
	return nil
}

// Stop stops every consumer, then runs the closers. It keeps going after
// failures and returns them joined.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	consumers := append([]namedStopper(nil), l.consumers...)
	closers := append([]namedCloser(nil), l.closers...)
	l.mu.Unlock()

	var errs []error
	for i := len(consumers) - 1; i >= 0; i-- {
		c := consumers[i]
		l.logger.Info("stopping consumer", "name", c.name)
		if err := c.Stop(ctx); err != nil {
			l.logger.Error("failed to stop consumer", "name", c.name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", c.name, err))
		}
	}

	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.close(); err != nil {
			l.logger.Error("failed to close resource", "name", c.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}

	return errors.Join(errs...)
}
