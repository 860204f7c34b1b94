package metrics

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/interfaces"
)

// LogMetrics writes metrics to a zap logger at debug level.
// Useful for debugging and development.
type LogMetrics struct {
	mu         sync.Mutex
	logger     *zap.Logger
	minLevel   LogLevel
	buffer     []logLine
	bufferSize int
}

type logLine struct {
	metricType string
	name       string
	field      zap.Field
	tags       map[string]string
}

// LogLevel controls which metrics are logged.
type LogLevel int

const (
	LogLevelAll LogLevel = iota
	LogLevelTimers
	LogLevelNone
)

// LogMetricsOption configures LogMetrics.
type LogMetricsOption func(*LogMetrics)

// WithMinLevel sets the minimum log level.
func WithMinLevel(level LogLevel) LogMetricsOption {
	return func(m *LogMetrics) {
		m.minLevel = level
	}
}

// WithBufferSize sets the buffer size for batched logging.
func WithBufferSize(size int) LogMetricsOption {
	return func(m *LogMetrics) {
		m.bufferSize = size
	}
}

// NewLogMetrics creates a new log-based metrics exporter.
func NewLogMetrics(logger *zap.Logger, opts ...LogMetricsOption) *LogMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &LogMetrics{
		logger:   logger.Named("metrics"),
		minLevel: LogLevelAll,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Counter logs a counter metric.
func (m *LogMetrics) Counter(name string, value int64, tags map[string]string) {
	if m.minLevel >= LogLevelTimers {
		return
	}
	m.log("counter", name, zap.Int64("value", value), tags)
}

// Gauge logs a gauge metric.
func (m *LogMetrics) Gauge(name string, value float64, tags map[string]string) {
	if m.minLevel >= LogLevelTimers {
		return
	}
	m.log("gauge", name, zap.Float64("value", value), tags)
}

// Histogram logs a histogram metric.
func (m *LogMetrics) Histogram(name string, value float64, tags map[string]string) {
	if m.minLevel >= LogLevelTimers {
		return
	}
	m.log("histogram", name, zap.Float64("value", value), tags)
}

// Timer logs a timer metric.
func (m *LogMetrics) Timer(name string, duration time.Duration, tags map[string]string) {
	if m.minLevel >= LogLevelNone {
		return
	}
	m.log("timer", name, zap.Duration("value", duration), tags)
}

// Flush outputs any buffered metrics.
func (m *LogMetrics) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushLocked()
	return m.logger.Sync()
}

// Close flushes and closes the exporter.
func (m *LogMetrics) Close() error {
	return m.Flush()
}

func (m *LogMetrics) log(metricType, name string, value zap.Field, tags map[string]string) {
	line := logLine{metricType: metricType, name: name, field: value, tags: tags}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bufferSize <= 0 {
		m.write(line)
		return
	}
	m.buffer = append(m.buffer, line)
	if len(m.buffer) >= m.bufferSize {
		m.flushLocked()
	}
}

func (m *LogMetrics) flushLocked() {
	for _, l := range m.buffer {
		m.write(l)
	}
	m.buffer = nil
}

func (m *LogMetrics) write(l logLine) {
	fields := make([]zap.Field, 0, len(l.tags)+2)
	fields = append(fields, zap.String("type", l.metricType), l.field)
	fields = append(fields, tagFields(l.tags)...)
	m.logger.Debug(l.name, fields...)
}

// tagFields renders tags as fields in key order for consistent output.
func tagFields(tags map[string]string) []zap.Field {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, len(keys))
	for i, k := range keys {
		fields[i] = zap.String(k, tags[k])
	}
	return fields
}

var _ interfaces.MetricsExporter = (*LogMetrics)(nil)
