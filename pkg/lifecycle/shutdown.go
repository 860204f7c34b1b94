// Package lifecycle provides graceful shutdown and lifecycle management.
// In-flight requests are drained before registered resources are closed.
package lifecycle

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/errors"
)

// ShutdownManager drains in-flight work and then releases resources in the
// reverse order they were registered.
type ShutdownManager struct {
	mu sync.Mutex

	drainTimeout time.Duration
	logger       *zap.Logger

	// State
	draining   bool
	shutdownAt time.Time

	// In-flight tracking
	inFlight      sync.WaitGroup
	inFlightCount atomic.Int64

	steps []step
	done  chan struct{}
	err   error
}

type step struct {
	name string
	fn   func(context.Context) error
}

// ShutdownConfig configures the shutdown manager.
type ShutdownConfig struct {
	// DrainTimeout is how long to wait for in-flight requests to complete.
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		DrainTimeout: 30 * time.Second,
	}
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultShutdownConfig().DrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ShutdownManager{
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
		done:         make(chan struct{}),
	}
}

// Register adds a named shutdown step. Steps run last-registered first.
func (m *ShutdownManager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// RegisterCloser adds c as a shutdown step.
func (m *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	m.Register(name, func(context.Context) error { return c.Close() })
}

// StartRequest marks the start of an in-flight request.
// Returns false if we're draining and the request should be rejected.
func (m *ShutdownManager) StartRequest() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return false
	}
	m.inFlight.Add(1)
	m.inFlightCount.Add(1)
	return true
}

// EndRequest marks the end of a request started with StartRequest.
func (m *ShutdownManager) EndRequest() {
	m.inFlightCount.Add(-1)
	m.inFlight.Done()
}

// InFlightCount returns the number of requests in flight.
func (m *ShutdownManager) InFlightCount() int64 {
	return m.inFlightCount.Load()
}

// IsDraining reports whether shutdown has begun.
func (m *ShutdownManager) IsDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Shutdown stops admitting requests, waits for in-flight ones up to the
// drain timeout, then runs every step. Step errors are collected; later
// calls return the first call's result.
//
// When the drain times out, the goroutine waiting on in-flight requests
// stays blocked until the stuck requests call EndRequest.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		<-m.done
		return m.err
	}
	m.draining = true
	m.shutdownAt = time.Now()
	steps := m.steps
	m.mu.Unlock()

	drainDone := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(drainDone)
	}()

	select {
	case <-drainDone:
	case <-time.After(m.drainTimeout):
		m.logger.Warn("drain timeout reached", zap.Int64("in_flight", m.InFlightCount()))
	case <-ctx.Done():
	}

	var errs errors.MultiError
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := s.fn(ctx); err != nil {
			m.logger.Warn("shutdown step failed", zap.String("step", s.name), zap.Error(err))
			errs.Add(errors.Wrap(err, errors.CodeUnknown, "shutdown step failed").WithContext("step", s.name))
			continue
		}
		m.logger.Debug("shutdown step done", zap.String("step", s.name))
	}

	m.err = errs.Combined()
	close(m.done)
	return m.err
}

// Wait blocks until shutdown is complete.
func (m *ShutdownManager) Wait() {
	<-m.done
}

// ShutdownStatus describes the current state.
type ShutdownStatus struct {
	Draining   bool      `json:"draining"`
	InFlight   int64     `json:"in_flight"`
	ShutdownAt time.Time `json:"shutdown_at,omitempty"`
}

// Status returns the current state.
func (m *ShutdownManager) Status() ShutdownStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ShutdownStatus{
		Draining:   m.draining,
		InFlight:   m.inFlightCount.Load(),
		ShutdownAt: m.shutdownAt,
	}
}
