// Package sources produces conformance events from live streams.
package sources

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/defaults/metrics"
	"github.com/logflow/skelstream/pkg/interfaces"
)

// Source emits events in arrival order. Stream blocks until the input is
// exhausted, the source fails, or ctx is done. It never closes out.
type Source interface {
	Name() string
	Stream(ctx context.Context, out chan<- conformance.Event) error
}

// Stats counts raw input lines for line-oriented sources.
type Stats struct {
	Lines   int64 `json:"lines"`
	Skipped int64 `json:"skipped"`
}

// Counter is implemented by sources that track line statistics.
type Counter interface {
	Stats() Stats
}

type options struct {
	logger     *zap.Logger
	metrics    interfaces.MetricsExporter
	poll       time.Duration
	startAtEnd bool
}

// Option configures a source.
type Option func(*options)

// WithLogger sets the logger for skipped lines and file events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics exporter.
func WithMetrics(m interfaces.MetricsExporter) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithPollInterval sets how often a followed file is re-checked when no
// filesystem notification arrives.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithStartAtEnd makes a followed file skip content present at start.
func WithStartAtEnd() Option {
	return func(o *options) {
		o.startAtEnd = true
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  zap.NewNop(),
		metrics: metrics.NewNoopMetrics(),
		poll:    time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func send(ctx context.Context, out chan<- conformance.Event, e conformance.Event) error {
	select {
	case out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MemorySource replays a fixed slice of events.
type MemorySource struct {
	name   string
	events []conformance.Event
	sent   atomic.Int64
}

// NewMemorySource creates a source over events.
func NewMemorySource(name string, events ...conformance.Event) *MemorySource {
	return &MemorySource{name: name, events: events}
}

func (s *MemorySource) Name() string { return s.name }

// Stream sends every event once.
func (s *MemorySource) Stream(ctx context.Context, out chan<- conformance.Event) error {
	for _, e := range s.events {
		if err := send(ctx, out, e); err != nil {
			return err
		}
		s.sent.Add(1)
	}
	return nil
}

// Stats reports each event as one line.
func (s *MemorySource) Stats() Stats {
	return Stats{Lines: s.sent.Load()}
}
