package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/logflow/skelstream/pkg/interfaces"
)

// PrometheusMetrics exports metrics through a Prometheus registry.
// Collectors are created lazily on first use; the label set of a metric is
// fixed by the tag keys of its first observation. Observations with a
// different tag key set are dropped.
type PrometheusMetrics struct {
	mu       sync.Mutex
	registry *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates an exporter backed by a fresh registry.
// A nil registry allocates a new one.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PrometheusMetrics{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the underlying registry.
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Counter adds value to a counter.
func (p *PrometheusMetrics) Counter(name string, value int64, tags map[string]string) {
	if value < 0 {
		return
	}
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: promName(name),
			Help: name,
		}, labelKeys(tags))
		if !p.register(vec) {
			p.mu.Unlock()
			return
		}
		p.counters[name] = vec
	}
	p.mu.Unlock()

	if c, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		c.Add(float64(value))
	}
}

// Gauge sets a gauge.
func (p *PrometheusMetrics) Gauge(name string, value float64, tags map[string]string) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: promName(name),
			Help: name,
		}, labelKeys(tags))
		if !p.register(vec) {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	if g, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		g.Set(value)
	}
}

// Histogram observes a value.
func (p *PrometheusMetrics) Histogram(name string, value float64, tags map[string]string) {
	p.observe(name, value, tags, prometheus.DefBuckets)
}

// Timer observes a duration in seconds.
func (p *PrometheusMetrics) Timer(name string, duration time.Duration, tags map[string]string) {
	p.observe(name, duration.Seconds(), tags, prometheus.ExponentialBuckets(0.000001, 4, 12))
}

// Flush is a no-op; Prometheus pulls.
func (p *PrometheusMetrics) Flush() error { return nil }

// Close is a no-op.
func (p *PrometheusMetrics) Close() error { return nil }

func (p *PrometheusMetrics) observe(name string, value float64, tags map[string]string, buckets []float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    promName(name),
			Help:    name,
			Buckets: buckets,
		}, labelKeys(tags))
		if !p.register(vec) {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	if h, err := vec.GetMetricWith(prometheus.Labels(tags)); err == nil {
		h.Observe(value)
	}
}

// register must be called with p.mu held.
func (p *PrometheusMetrics) register(c prometheus.Collector) bool {
	return p.registry.Register(c) == nil
}

// promName converts "skelstream.events.total" to "skelstream_events_total".
func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func labelKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ interfaces.MetricsExporter = (*PrometheusMetrics)(nil)
