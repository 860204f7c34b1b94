// Package pipe drives events from a source into a conformance monitor.
package pipe

import (
	"context"
	stderrors "errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/errors"
	"github.com/logflow/skelstream/pkg/sources"
	"github.com/logflow/skelstream/pkg/telemetry"
)

// Progress is reported periodically while a run is in flight.
type Progress struct {
	Events          uint64
	Deviations      int
	Cases           int
	EventsPerSecond float64
	Elapsed         time.Duration
}

// RunResult summarizes a finished run.
type RunResult struct {
	Source     string
	Events     uint64
	Deviations int
	Stats      conformance.Stats
	Lines      sources.Stats
	Elapsed    time.Duration

	// Canceled is set when the caller's context ended the run.
	Canceled bool
}

// Config holds runner settings.
type Config struct {
	// BufferSize is the channel capacity between source and monitor.
	BufferSize int

	// ProgressInterval throttles progress callbacks.
	ProgressInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:       1024,
		ProgressInterval: 100 * time.Millisecond,
	}
}

// Runner moves events from a Source into a Monitor.
type Runner struct {
	monitor    conformance.Monitor
	cfg        Config
	logger     *zap.Logger
	progressFn func(Progress)
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig replaces the runner settings.
func WithConfig(cfg Config) Option {
	return func(r *Runner) {
		r.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithProgress sets a callback for progress updates. It runs on the consumer
// goroutine and must not block.
func WithProgress(fn func(Progress)) Option {
	return func(r *Runner) {
		r.progressFn = fn
	}
}

// NewRunner creates a runner feeding monitor.
func NewRunner(monitor conformance.Monitor, opts ...Option) *Runner {
	r := &Runner{
		monitor: monitor,
		cfg:     DefaultConfig(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.BufferSize < 0 {
		r.cfg.BufferSize = 0
	}
	if r.cfg.ProgressInterval <= 0 {
		r.cfg.ProgressInterval = DefaultConfig().ProgressInterval
	}
	return r
}

// Run streams src into the monitor until the source ends or fails. A
// canceled ctx ends the run without error and sets Canceled.
func (r *Runner) Run(ctx context.Context, src sources.Source) (res *RunResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRun,
		attribute.String("skelstream.source", src.Name()))
	defer func() { telemetry.EndSpan(span, err) }()

	events := make(chan conformance.Event, r.cfg.BufferSize)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	var count uint64

	g.Go(func() error {
		defer close(events)
		return src.Stream(gctx, events)
	})

	g.Go(func() error {
		lastReport := time.Now()
		for e := range events {
			r.monitor.Receive(e)
			count++

			if r.progressFn != nil && time.Since(lastReport) >= r.cfg.ProgressInterval {
				r.report(count, start)
				lastReport = time.Now()
			}
		}
		return nil
	})

	runErr := g.Wait()
	canceled := false
	if runErr != nil {
		if ctx.Err() == nil || !isContextErr(runErr) {
			r.logger.Error("run failed", zap.String("source", src.Name()), zap.Error(runErr))
			if errors.GetCode(runErr) == errors.CodeUnknown {
				runErr = errors.Wrap(runErr, errors.CodeSourceRead, "event source failed").
					WithContext("source", src.Name())
			}
			return nil, runErr
		}
		canceled = true
	}

	if r.progressFn != nil {
		r.report(count, start)
	}

	stats := r.monitor.Stats()
	res = &RunResult{
		Source:     src.Name(),
		Events:     count,
		Deviations: stats.Deviations,
		Stats:      stats,
		Elapsed:    time.Since(start),
		Canceled:   canceled,
	}
	if c, ok := src.(sources.Counter); ok {
		res.Lines = c.Stats()
	}

	span.SetAttributes(
		attribute.Int64("skelstream.events", int64(count)),
		attribute.Int("skelstream.deviations", stats.Deviations),
		attribute.Bool("skelstream.canceled", canceled))
	r.logger.Info("run finished",
		zap.String("source", src.Name()),
		zap.Uint64("events", count),
		zap.Int("deviations", stats.Deviations),
		zap.Duration("elapsed", res.Elapsed),
		zap.Bool("canceled", canceled))
	return res, nil
}

func (r *Runner) report(count uint64, start time.Time) {
	stats := r.monitor.Stats()
	elapsed := time.Since(start)
	p := Progress{
		Events:     count,
		Deviations: stats.Deviations,
		Cases:      stats.Cases,
		Elapsed:    elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.EventsPerSecond = float64(count) / secs
	}
	r.progressFn(p)
}

func isContextErr(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
