// Package interfaces defines the pluggable collaborators of skelstream.
package interfaces

import "time"

// MetricsExporter exports metrics to a monitoring backend.
type MetricsExporter interface {
	// Counter increments a counter metric.
	Counter(name string, value int64, tags map[string]string)

	// Gauge sets a gauge metric to the specified value.
	Gauge(name string, value float64, tags map[string]string)

	// Histogram records a value in a histogram.
	Histogram(name string, value float64, tags map[string]string)

	// Timer records a duration.
	Timer(name string, duration time.Duration, tags map[string]string)

	// Flush sends any buffered metrics to the backend.
	Flush() error

	// Close releases resources.
	Close() error
}

// Metric names used throughout the system.
const (
	// Conformance metrics
	MetricEventsTotal     = "skelstream.events.total"
	MetricEventsMalformed = "skelstream.events.malformed"
	MetricDeviationsTotal = "skelstream.deviations.total"
	MetricCasesActive     = "skelstream.cases.active"
	MetricReceiveDuration = "skelstream.receive.duration"

	// Source metrics
	MetricSourceLinesSkipped = "skelstream.source.lines_skipped"

	// Report metrics
	MetricReportSaves  = "skelstream.report.saves"
	MetricReportErrors = "skelstream.report.errors"
)

// Tag names.
const (
	TagKind    = "kind"
	TagSource  = "source"
	TagBackend = "backend"
	TagShard   = "shard"
)
