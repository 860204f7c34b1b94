// Package conformance implements streaming log-skeleton conformance checking.
//
// A Checker receives events one at a time and tests each against the four
// skeleton constraint families using only per-case state accumulated from
// earlier events of the same case:
//
//	directly_follows    the activity may follow the case's previous activity
//	activity_frequency  the occurrence count stays within the permitted ceiling
//	always_before       every required predecessor has already occurred
//	never_together      no forbidden partner has already occurred
//
// Checks always see the state as it was before the event; the event is
// folded into the state afterwards. Deviations accumulate until the caller
// discards the checker. Case state is never evicted.
package conformance

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/logflow/skelstream/pkg/defaults/metrics"
	"github.com/logflow/skelstream/pkg/errors"
	"github.com/logflow/skelstream/pkg/interfaces"
	"github.com/logflow/skelstream/pkg/skeleton"
)

// Monitor is the streaming conformance surface shared by Checker,
// Synchronized and Sharded.
type Monitor interface {
	Receive(e Event)
	CurrentResult() Result
	Stats() Stats
}

// DeviationHandler is called synchronously for every recorded deviation.
type DeviationHandler func(Deviation)

// Stats summarizes what a monitor has processed.
type Stats struct {
	Events     uint64                `json:"events"`
	Malformed  uint64                `json:"malformed"`
	Cases      int                   `json:"cases"`
	Deviations int                   `json:"deviations"`
	ByKind     map[skeleton.Kind]int `json:"by_kind"`
}

func (s *Stats) add(o Stats) {
	s.Events += o.Events
	s.Malformed += o.Malformed
	s.Cases += o.Cases
	s.Deviations += o.Deviations
	if s.ByKind == nil {
		s.ByKind = make(map[skeleton.Kind]int)
	}
	for k, n := range o.ByKind {
		s.ByKind[k] += n
	}
}

// caseState is the per-case history the checks consult.
type caseState struct {
	last string
	freq map[string]int
	seen map[string]struct{}
}

func newCaseState() *caseState {
	return &caseState{
		freq: make(map[string]int),
		seen: make(map[string]struct{}),
	}
}

// CaseSnapshot is a copy of one case's tracking state.
type CaseSnapshot struct {
	LastActivity string         `json:"last_activity"`
	Frequencies  map[string]int `json:"frequencies"`
	Seen         []string       `json:"seen"`
}

// Checker is a single-writer streaming conformance checker. It is not safe
// for concurrent use; see Synchronized and Sharded.
type Checker struct {
	model    *skeleton.Model
	cfg      Config
	logger   *zap.Logger
	metrics  interfaces.MetricsExporter
	handlers []DeviationHandler
	tags     map[string]string

	cases      map[string]*caseState
	deviations []Deviation
	byKind     [4]int
	seq        uint64
	events     uint64
	malformed  uint64
}

// Option configures a Checker.
type Option func(*Checker)

// WithConfig sets both attribute keys.
func WithConfig(cfg Config) Option {
	return func(c *Checker) {
		c.cfg = cfg
	}
}

// WithCaseIDKey sets the attribute holding the case identifier.
func WithCaseIDKey(key string) Option {
	return func(c *Checker) {
		c.cfg.CaseIDKey = key
	}
}

// WithActivityKey sets the attribute holding the activity label.
func WithActivityKey(key string) Option {
	return func(c *Checker) {
		c.cfg.ActivityKey = key
	}
}

// WithLogger sets the logger for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics exporter.
func WithMetrics(m interfaces.MetricsExporter) Option {
	return func(c *Checker) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithDeviationHandler registers a handler for every new deviation.
func WithDeviationHandler(h DeviationHandler) Option {
	return func(c *Checker) {
		if h != nil {
			c.handlers = append(c.handlers, h)
		}
	}
}

// withTags adds constant metric tags.
func withTags(tags map[string]string) Option {
	return func(c *Checker) {
		for k, v := range tags {
			c.tags[k] = v
		}
	}
}

// New creates a checker for model.
func New(model *skeleton.Model, opts ...Option) (*Checker, error) {
	if model == nil {
		return nil, errors.InvalidConfig("model", "skeleton model is required")
	}

	c := &Checker{
		model:   model,
		cfg:     DefaultConfig(),
		logger:  zap.NewNop(),
		metrics: metrics.NewNoopMetrics(),
		tags:    make(map[string]string),
		cases:   make(map[string]*caseState),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cfg.CaseIDKey == "" {
		return nil, errors.InvalidConfig("case_id_key", "case id attribute key must not be empty")
	}
	if c.cfg.ActivityKey == "" {
		return nil, errors.InvalidConfig("activity_key", "activity attribute key must not be empty")
	}
	return c, nil
}

// Config returns the attribute keys in use.
func (c *Checker) Config() Config {
	return c.cfg
}

// Receive processes one event. Malformed events are logged and ignored.
func (c *Checker) Receive(e Event) {
	c.seq++
	c.receive(e, c.seq)
}

func (c *Checker) receive(e Event, seq uint64) {
	start := time.Now()
	c.events++
	c.metrics.Counter(interfaces.MetricEventsTotal, 1, c.tags)

	caseID, activity, ok := c.cfg.resolve(e)
	if !ok {
		c.malformed++
		c.metrics.Counter(interfaces.MetricEventsMalformed, 1, c.tags)
		c.logger.Error("case or activity missing from event",
			zap.String("case_id_key", c.cfg.CaseIDKey),
			zap.String("activity_key", c.cfg.ActivityKey),
			zap.Any("event", map[string]interface{}(e)),
			zap.Uint64("sequence", seq))
		return
	}

	state, known := c.cases[caseID]
	if !known {
		state = newCaseState()
		c.cases[caseID] = state
		c.metrics.Gauge(interfaces.MetricCasesActive, float64(len(c.cases)), c.tags)
	}

	c.checkDirectlyFollows(caseID, activity, state, seq)
	c.checkFrequency(caseID, activity, state, seq)
	c.checkAlwaysBefore(caseID, activity, state, seq)
	c.checkNeverTogether(caseID, activity, state, seq)

	state.last = activity
	state.freq[activity]++
	state.seen[activity] = struct{}{}

	c.metrics.Timer(interfaces.MetricReceiveDuration, time.Since(start), c.tags)
}

// checkDirectlyFollows is vacuous for the first event of a case.
func (c *Checker) checkDirectlyFollows(caseID, activity string, state *caseState, seq uint64) {
	if state.last == "" {
		return
	}
	if c.model.AllowsDirectlyFollows(state.last, activity) {
		return
	}
	c.record(Deviation{
		Kind:     skeleton.DirectlyFollows,
		CaseID:   caseID,
		Activity: activity,
		Previous: state.last,
		Sequence: seq,
	})
}

// checkFrequency flags only counts above the model's ceiling. Permitted
// counts need not be contiguous, so a non-member below the ceiling may still
// grow into a permitted one.
func (c *Checker) checkFrequency(caseID, activity string, state *caseState, seq uint64) {
	ceiling, ok := c.model.MaxFrequency()
	if !ok {
		return
	}
	count := state.freq[activity] + 1
	if c.model.PermitsFrequency(count) || count <= ceiling {
		return
	}
	c.record(Deviation{
		Kind:         skeleton.ActivityFrequency,
		CaseID:       caseID,
		Activity:     activity,
		Count:        count,
		MaxPermitted: ceiling,
		Sequence:     seq,
	})
}

func (c *Checker) checkAlwaysBefore(caseID, activity string, state *caseState, seq uint64) {
	var missing []string
	for _, req := range c.model.RequiredBefore(activity) {
		if _, ok := state.seen[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) == 0 {
		return
	}
	c.record(Deviation{
		Kind:       skeleton.AlwaysBefore,
		CaseID:     caseID,
		Activity:   activity,
		Activities: missing,
		Sequence:   seq,
	})
}

func (c *Checker) checkNeverTogether(caseID, activity string, state *caseState, seq uint64) {
	var conflicts []string
	for _, other := range c.model.ForbiddenWith(activity) {
		if _, ok := state.seen[other]; ok {
			conflicts = append(conflicts, other)
		}
	}
	if len(conflicts) == 0 {
		return
	}
	c.record(Deviation{
		Kind:       skeleton.NeverTogether,
		CaseID:     caseID,
		Activity:   activity,
		Activities: conflicts,
		Sequence:   seq,
	})
}

func (c *Checker) record(d Deviation) {
	c.deviations = append(c.deviations, d)
	c.byKind[d.Kind]++

	tags := make(map[string]string, len(c.tags)+1)
	for k, v := range c.tags {
		tags[k] = v
	}
	tags[interfaces.TagKind] = d.Kind.String()
	c.metrics.Counter(interfaces.MetricDeviationsTotal, 1, tags)

	c.logger.Warn(d.String(),
		zap.Stringer("kind", d.Kind),
		zap.String("case_id", d.CaseID),
		zap.String("activity", d.Activity),
		zap.Uint64("sequence", d.Sequence))

	for _, h := range c.handlers {
		h(d)
	}
}

// CurrentResult returns a copy of every deviation recorded so far.
func (c *Checker) CurrentResult() Result {
	out := Result{Deviations: make([]Deviation, len(c.deviations))}
	for i, d := range c.deviations {
		if d.Activities != nil {
			d.Activities = append([]string(nil), d.Activities...)
		}
		out.Deviations[i] = d
	}
	return out
}

// Stats returns processing counters.
func (c *Checker) Stats() Stats {
	s := Stats{
		Events:     c.events,
		Malformed:  c.malformed,
		Cases:      len(c.cases),
		Deviations: len(c.deviations),
		ByKind:     make(map[skeleton.Kind]int, len(c.byKind)),
	}
	for _, k := range skeleton.Kinds() {
		s.ByKind[k] = c.byKind[k]
	}
	return s
}

// Case returns a copy of the tracking state of one case.
func (c *Checker) Case(caseID string) (CaseSnapshot, bool) {
	state, ok := c.cases[caseID]
	if !ok {
		return CaseSnapshot{}, false
	}
	snap := CaseSnapshot{
		LastActivity: state.last,
		Frequencies:  make(map[string]int, len(state.freq)),
		Seen:         make([]string, 0, len(state.seen)),
	}
	for act, n := range state.freq {
		snap.Frequencies[act] = n
	}
	for act := range state.seen {
		snap.Seen = append(snap.Seen, act)
	}
	sort.Strings(snap.Seen)
	return snap, true
}

var _ Monitor = (*Checker)(nil)
