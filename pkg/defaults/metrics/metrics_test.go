package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/logflow/skelstream/pkg/interfaces"
)

func TestPrometheusMetrics(t *testing.T) {
	p := NewPrometheusMetrics(nil)
	p.Counter(interfaces.MetricEventsTotal, 3, nil)
	p.Counter(interfaces.MetricEventsTotal, 2, nil)
	p.Counter(interfaces.MetricDeviationsTotal, 1, map[string]string{interfaces.TagKind: "always_before"})
	p.Gauge(interfaces.MetricCasesActive, 7, nil)
	p.Timer(interfaces.MetricReceiveDuration, 40*time.Microsecond, nil)

	// Mismatched label sets and negative counters are dropped.
	p.Counter(interfaces.MetricEventsTotal, 100, map[string]string{"extra": "x"})
	p.Counter(interfaces.MetricEventsTotal, -1, nil)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "skelstream_events_total 5")
	assert.Contains(t, text, "skelstream_cases_active 7")
	assert.Contains(t, text, `skelstream_deviations_total{kind="always_before"} 1`)
	assert.Contains(t, text, "skelstream_receive_duration_count 1")
}

func TestLogMetrics_Buffered(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewLogMetrics(zap.New(core), WithBufferSize(3))

	m.Counter(interfaces.MetricEventsTotal, 1, nil)
	m.Gauge(interfaces.MetricCasesActive, 2, nil)
	assert.Zero(t, logs.Len(), "buffered until full")

	m.Histogram("custom", 1.5, map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, 3, logs.Len())

	m.Timer(interfaces.MetricReceiveDuration, time.Millisecond, nil)
	require.NoError(t, m.Close())
	assert.Equal(t, 4, logs.Len())

	entry := logs.FilterMessage("custom").All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "histogram", fields["type"])
	assert.Equal(t, "1", fields["a"])
}

func TestLogMetrics_MinLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewLogMetrics(zap.New(core), WithMinLevel(LogLevelTimers))

	m.Counter(interfaces.MetricEventsTotal, 1, nil)
	m.Timer(interfaces.MetricReceiveDuration, time.Millisecond, nil)
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, interfaces.MetricReceiveDuration, logs.All()[0].Message)
}

func TestNoopMetrics(t *testing.T) {
	var m interfaces.MetricsExporter = NewNoopMetrics()
	m.Counter("x", 1, nil)
	assert.NoError(t, m.Flush())
	assert.NoError(t, m.Close())
}
