package report

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/defaults/metrics"
	"github.com/logflow/skelstream/pkg/errors"
	"github.com/logflow/skelstream/pkg/interfaces"
	"github.com/logflow/skelstream/pkg/resilience"
	"github.com/logflow/skelstream/pkg/telemetry"
)

// finalTimeout bounds the last save after the run context is done.
const finalTimeout = 10 * time.Second

// Publisher periodically saves a monitor's deviations to a backend.
type Publisher struct {
	backend  Backend
	monitor  conformance.Monitor
	id       string
	source   string
	interval time.Duration
	logger   *zap.Logger
	metrics  interfaces.MetricsExporter
	breaker  *resilience.CircuitBreaker

	mu         sync.Mutex
	createdAt  time.Time
	lastEvents uint64
	saved      int
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithID sets the snapshot ID. The default is a random UUID.
func WithID(id string) PublisherOption {
	return func(p *Publisher) {
		if id != "" {
			p.id = id
		}
	}
}

// WithSource records the event source name in snapshots.
func WithSource(source string) PublisherOption {
	return func(p *Publisher) {
		p.source = source
	}
}

// WithInterval sets the save period. Zero saves only the final snapshot.
func WithInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.interval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics exporter.
func WithMetrics(m interfaces.MetricsExporter) PublisherOption {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithBreaker guards periodic saves with cb. While the circuit is open,
// periodic saves are skipped; the final save is always attempted.
func WithBreaker(cb *resilience.CircuitBreaker) PublisherOption {
	return func(p *Publisher) {
		p.breaker = cb
	}
}

// NewPublisher creates a publisher for monitor.
func NewPublisher(backend Backend, monitor conformance.Monitor, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		backend:   backend,
		monitor:   monitor,
		id:        uuid.NewString(),
		interval:  30 * time.Second,
		logger:    zap.NewNop(),
		metrics:   metrics.NewNoopMetrics(),
		createdAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the snapshot ID being written.
func (p *Publisher) ID() string {
	return p.id
}

// Saved returns how many snapshots were written.
func (p *Publisher) Saved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved
}

// Publish saves the current state. Non-final saves are skipped when no
// event arrived since the previous save.
func (p *Publisher) Publish(ctx context.Context, final bool) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Capture(p.id, p.source, p.monitor)
	if !final && p.saved > 0 && snap.Stats.Events == p.lastEvents {
		return nil
	}
	snap.CreatedAt = p.createdAt
	snap.Final = final

	guarded := p.breaker != nil && !final
	if guarded && !p.breaker.Allow() {
		p.logger.Debug("report save skipped, backend circuit open",
			zap.String("backend", p.backend.Name()))
		return errors.New(errors.CodeUnavailable, "report backend circuit open").
			WithContext("backend", p.backend.Name())
	}

	tags := map[string]string{interfaces.TagBackend: p.backend.Name()}
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanReportSave,
		attribute.String("skelstream.report.id", p.id),
		attribute.String("skelstream.report.backend", p.backend.Name()),
		attribute.Bool("skelstream.report.final", final))
	defer func() { telemetry.EndSpan(span, err) }()

	err = p.backend.Save(ctx, snap)
	if guarded {
		p.breaker.Done(err == nil)
	}
	if err != nil {
		p.metrics.Counter(interfaces.MetricReportErrors, 1, tags)
		p.logger.Error("failed to save report",
			zap.String("backend", p.backend.Name()),
			zap.String("id", p.id),
			zap.Error(err))
		return err
	}

	p.saved++
	p.lastEvents = snap.Stats.Events
	p.metrics.Counter(interfaces.MetricReportSaves, 1, tags)
	p.logger.Debug("report saved",
		zap.String("backend", p.backend.Name()),
		zap.String("id", p.id),
		zap.Int("deviations", len(snap.Deviations)),
		zap.Bool("final", final))
	return nil
}

// Run saves on every interval tick until ctx is done, then writes the final
// snapshot. Periodic failures are logged and retried on the next tick; only
// the final save's error is returned.
func (p *Publisher) Run(ctx context.Context) error {
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				_ = p.Publish(ctx, false)
			}
		}
	} else {
		<-ctx.Done()
	}

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalTimeout)
	defer cancel()
	return p.Publish(finalCtx, true)
}
