// Package skeleton defines the log-skeleton model consumed by the streaming
// conformance checker. A model is mined offline and is immutable once built.
package skeleton

import (
	"fmt"
	"sort"
	"strings"

	"github.com/logflow/skelstream/pkg/errors"
)

// Pair is an ordered pair of activity labels.
type Pair struct {
	First  string
	Second string
}

func (p Pair) String() string {
	return fmt.Sprintf("(%s, %s)", p.First, p.Second)
}

// Definition is the serialized shape of a model.
type Definition struct {
	// DirectlyFollows lists pairs (A, B): B may immediately follow A.
	DirectlyFollows [][]string `yaml:"directly_follows" json:"directly_follows"`

	// ActivityFrequencies is the set of permitted per-case occurrence counts,
	// applied to every activity.
	ActivityFrequencies []int `yaml:"activity_frequencies" json:"activity_frequencies"`

	// AlwaysBefore lists pairs (A, B): if A occurs, B must have occurred earlier.
	AlwaysBefore [][]string `yaml:"always_before" json:"always_before"`

	// NeverTogether lists unordered pairs that must not share a case.
	NeverTogether [][]string `yaml:"never_together" json:"never_together"`
}

// Model is a validated, indexed log skeleton. It is safe for concurrent reads.
type Model struct {
	directlyFollows map[Pair]struct{}
	frequencies     map[int]struct{}
	alwaysBefore    map[Pair]struct{}
	neverTogether   map[Pair]struct{}

	maxFrequency   int
	requiredBefore map[string][]string
	forbiddenWith  map[string][]string
}

// New validates def and builds a Model.
func New(def Definition) (*Model, error) {
	m := &Model{
		directlyFollows: make(map[Pair]struct{}),
		frequencies:     make(map[int]struct{}),
		alwaysBefore:    make(map[Pair]struct{}),
		neverTogether:   make(map[Pair]struct{}),
		requiredBefore:  make(map[string][]string),
		forbiddenWith:   make(map[string][]string),
	}

	var errs errors.MultiError
	for i, raw := range def.DirectlyFollows {
		p, err := toPair(DirectlyFollows, i, raw)
		if err != nil {
			errs.Add(err)
			continue
		}
		m.directlyFollows[p] = struct{}{}
	}

	for i, n := range def.ActivityFrequencies {
		if n < 0 {
			errs.Add(errors.InvalidModel(ActivityFrequency.String(), "permitted frequency must not be negative").
				WithContext("index", i).
				WithContext("value", n))
			continue
		}
		m.frequencies[n] = struct{}{}
		if n > m.maxFrequency {
			m.maxFrequency = n
		}
	}

	required := make(map[string]map[string]struct{})
	for i, raw := range def.AlwaysBefore {
		p, err := toPair(AlwaysBefore, i, raw)
		if err != nil {
			errs.Add(err)
			continue
		}
		m.alwaysBefore[p] = struct{}{}
		addTo(required, p.First, p.Second)
	}

	forbidden := make(map[string]map[string]struct{})
	for i, raw := range def.NeverTogether {
		p, err := toPair(NeverTogether, i, raw)
		if err != nil {
			errs.Add(err)
			continue
		}
		m.neverTogether[p] = struct{}{}
		addTo(forbidden, p.First, p.Second)
		addTo(forbidden, p.Second, p.First)
	}

	if err := errs.Combined(); err != nil {
		return nil, err
	}

	for act, set := range required {
		m.requiredBefore[act] = sortedKeys(set)
	}
	for act, set := range forbidden {
		m.forbiddenWith[act] = sortedKeys(set)
	}
	return m, nil
}

// MustNew is like New but panics on an invalid definition. Intended for
// tests and static models.
func MustNew(def Definition) *Model {
	m, err := New(def)
	if err != nil {
		panic(err)
	}
	return m
}

// AllowsDirectlyFollows reports whether b may immediately follow a.
func (m *Model) AllowsDirectlyFollows(a, b string) bool {
	_, ok := m.directlyFollows[Pair{First: a, Second: b}]
	return ok
}

// MaxFrequency returns the largest permitted occurrence count. ok is false
// when the model permits no counts, which disables the frequency constraint.
func (m *Model) MaxFrequency() (int, bool) {
	if len(m.frequencies) == 0 {
		return 0, false
	}
	return m.maxFrequency, true
}

// PermitsFrequency reports whether n is an explicitly permitted count.
func (m *Model) PermitsFrequency(n int) bool {
	_, ok := m.frequencies[n]
	return ok
}

// RequiredBefore returns the sorted activities that must precede act.
// The returned slice must not be modified.
func (m *Model) RequiredBefore(act string) []string {
	return m.requiredBefore[act]
}

// ForbiddenWith returns the sorted activities that must never share a case
// with act. The returned slice must not be modified.
func (m *Model) ForbiddenWith(act string) []string {
	return m.forbiddenWith[act]
}

// Activities returns every activity label the model mentions, sorted.
func (m *Model) Activities() []string {
	set := make(map[string]struct{})
	for _, pairs := range []map[Pair]struct{}{m.directlyFollows, m.alwaysBefore, m.neverTogether} {
		for p := range pairs {
			set[p.First] = struct{}{}
			set[p.Second] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Size returns the number of constraints of the given kind.
func (m *Model) Size(k Kind) int {
	switch k {
	case DirectlyFollows:
		return len(m.directlyFollows)
	case ActivityFrequency:
		return len(m.frequencies)
	case AlwaysBefore:
		return len(m.alwaysBefore)
	case NeverTogether:
		return len(m.neverTogether)
	}
	return 0
}

// Definition exports the model in canonical order.
func (m *Model) Definition() Definition {
	def := Definition{
		DirectlyFollows: sortedPairs(m.directlyFollows),
		AlwaysBefore:    sortedPairs(m.alwaysBefore),
		NeverTogether:   sortedPairs(m.neverTogether),
	}
	for n := range m.frequencies {
		def.ActivityFrequencies = append(def.ActivityFrequencies, n)
	}
	sort.Ints(def.ActivityFrequencies)
	return def
}

func toPair(kind Kind, index int, raw []string) (Pair, error) {
	if len(raw) != 2 {
		return Pair{}, errors.InvalidModel(kind.String(), "constraint must be a pair of activities").
			WithContext("index", index).
			WithContext("length", len(raw))
	}
	if strings.TrimSpace(raw[0]) == "" || strings.TrimSpace(raw[1]) == "" {
		return Pair{}, errors.InvalidModel(kind.String(), "activity label must not be empty").
			WithContext("index", index)
	}
	return Pair{First: raw[0], Second: raw[1]}, nil
}

func addTo(index map[string]map[string]struct{}, key, value string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[value] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedPairs(set map[Pair]struct{}) [][]string {
	pairs := make([]Pair, 0, len(set))
	for p := range set {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].First != pairs[j].First {
			return pairs[i].First < pairs[j].First
		}
		return pairs[i].Second < pairs[j].Second
	})
	out := make([][]string, len(pairs))
	for i, p := range pairs {
		out[i] = []string{p.First, p.Second}
	}
	return out
}
