package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/errors"
	"github.com/logflow/skelstream/pkg/interfaces"
)

// DecodeLine parses one JSON object into an event. Numbers are kept as
// json.Number so identifiers round-trip without float formatting.
func DecodeLine(line []byte) (conformance.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var e conformance.Event
	if err := dec.Decode(&e); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("event must be a JSON object")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after event object")
	}
	return e, nil
}

// lineDecoder turns raw lines into events, skipping blank and invalid ones.
type lineDecoder struct {
	source  string
	logger  *zap.Logger
	metrics interfaces.MetricsExporter
	tags    map[string]string

	lines   atomic.Int64
	skipped atomic.Int64
}

func newLineDecoder(source string, o options) *lineDecoder {
	return &lineDecoder{
		source:  source,
		logger:  o.logger,
		metrics: o.metrics,
		tags:    map[string]string{interfaces.TagSource: source},
	}
}

func (d *lineDecoder) decode(line []byte) (conformance.Event, bool) {
	n := d.lines.Add(1)
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}

	e, err := DecodeLine(line)
	if err != nil {
		d.skipped.Add(1)
		d.metrics.Counter(interfaces.MetricSourceLinesSkipped, 1, d.tags)
		d.logger.Warn("skipping undecodable line",
			zap.Error(errors.EventDecode(d.source, n, err)))
		return nil, false
	}
	return e, true
}

func (d *lineDecoder) stats() Stats {
	return Stats{Lines: d.lines.Load(), Skipped: d.skipped.Load()}
}

// JSONLSource reads one JSON object per line from a reader until EOF.
type JSONLSource struct {
	name string
	r    io.Reader
	dec  *lineDecoder
}

// NewJSONLSource creates a source over r.
func NewJSONLSource(name string, r io.Reader, opts ...Option) *JSONLSource {
	return &JSONLSource{
		name: name,
		r:    r,
		dec:  newLineDecoder(name, buildOptions(opts)),
	}
}

func (s *JSONLSource) Name() string { return s.name }

// Stream decodes lines until EOF. Invalid lines are counted and skipped.
func (s *JSONLSource) Stream(ctx context.Context, out chan<- conformance.Event) error {
	br := bufio.NewReaderSize(s.r, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			if e, ok := s.dec.decode(line); ok {
				if err := send(ctx, out, e); err != nil {
					return err
				}
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errors.Wrap(readErr, errors.CodeSourceRead, "failed to read event stream").
				WithContext("source", s.name)
		}
	}
}

// Stats returns line counters.
func (s *JSONLSource) Stats() Stats {
	return s.dec.stats()
}
