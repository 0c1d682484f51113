// Package shutdown runs the graceful exit sequence: the worker pool is
// destroyed first, then cleanup steps run in registration order, then
// resources are closed. Every step runs even when an earlier one fails.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the whole sequence.
const DefaultTimeout = 10 * time.Second

// Destroyer is a worker pool that can drain and stop.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Sequence collects shutdown work. The zero value is not usable; call New.
type Sequence struct {
	logger *slog.Logger

	mu      sync.Mutex
	pool    Destroyer
	cleanup []step
	closers []step
	ran     bool
	err     error
}

// New creates an empty sequence.
func New(logger *slog.Logger) *Sequence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequence{logger: logger}
}

// SetPool registers the worker pool destroyed before anything else.
func (s *Sequence) SetPool(p Destroyer) {
	s.mu.Lock()
	s.pool = p
	s.mu.Unlock()
}

// OnCleanup adds a step such as releasing a lock or unregistering a server.
func (s *Sequence) OnCleanup(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.cleanup = append(s.cleanup, step{name: name, fn: fn})
	s.mu.Unlock()
}

// OnClose adds a step run after every cleanup step, typically store Close.
func (s *Sequence) OnClose(name string, fn func() error) {
	s.mu.Lock()
	s.closers = append(s.closers, step{name: name, fn: func(context.Context) error { return fn() }})
	s.mu.Unlock()
}

// Run executes the sequence once. Later calls return the first result.
func (s *Sequence) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ran {
		return s.err
	}
	s.ran = true

	var errs []error
	if s.pool != nil {
		if err := s.pool.Destroy(ctx); err != nil {
			s.logger.Error("failed to destroy worker pool", "error", err)
			errs = append(errs, fmt.Errorf("destroy worker pool: %w", err))
		}
	}

	// cleanup must still happen when the pool ran out of time
	cleanupCtx := context.WithoutCancel(ctx)
	for _, st := range append(s.cleanup, s.closers...) {
		if err := st.fn(cleanupCtx); err != nil {
			s.logger.Error("shutdown step failed", "step", st.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
		}
	}

	s.err = errors.Join(errs...)
	return s.err
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
