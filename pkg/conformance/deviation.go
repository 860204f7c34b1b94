package conformance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/logflow/skelstream/pkg/skeleton"
)

// Deviation records one violated constraint instance for one case.
type Deviation struct {
	Kind     skeleton.Kind `json:"kind"`
	CaseID   string        `json:"case_id"`
	Activity string        `json:"activity"`

	// Previous is the activity the offending one directly followed.
	Previous string `json:"previous,omitempty"`

	// Count is the occurrence count reached and MaxPermitted the model's
	// ceiling, for frequency deviations.
	Count        int `json:"count,omitempty"`
	MaxPermitted int `json:"max_permitted,omitempty"`

	// Activities holds the missing predecessors (always-before) or the
	// conflicting activities already seen (never-together), sorted.
	Activities []string `json:"activities,omitempty"`

	// Sequence is the 1-based position of the offending event in the stream.
	Sequence uint64 `json:"sequence"`
}

// String renders a human-readable diagnostic.
func (d Deviation) String() string {
	switch d.Kind {
	case skeleton.DirectlyFollows:
		return fmt.Sprintf("case %s: %q may not directly follow %q", d.CaseID, d.Activity, d.Previous)
	case skeleton.ActivityFrequency:
		return fmt.Sprintf("case %s: %q occurred %d times, more than the permitted %d", d.CaseID, d.Activity, d.Count, d.MaxPermitted)
	case skeleton.AlwaysBefore:
		return fmt.Sprintf("case %s: %q requires %s to occur first", d.CaseID, d.Activity, strings.Join(d.Activities, ", "))
	case skeleton.NeverTogether:
		return fmt.Sprintf("case %s: %q may not occur together with %s", d.CaseID, d.Activity, strings.Join(d.Activities, ", "))
	}
	return fmt.Sprintf("case %s: %q violates %s", d.CaseID, d.Activity, d.Kind)
}

// Result is a read-only snapshot of accumulated deviations, in stream order.
type Result struct {
	Deviations []Deviation `json:"deviations"`
}

// Len returns the number of deviations.
func (r Result) Len() int {
	return len(r.Deviations)
}

// ByKind returns the deviations of one kind.
func (r Result) ByKind(k skeleton.Kind) []Deviation {
	var out []Deviation
	for _, d := range r.Deviations {
		if d.Kind == k {
			out = append(out, d)
		}
	}
	return out
}

// ByCase returns the deviations of one case.
func (r Result) ByCase(caseID string) []Deviation {
	var out []Deviation
	for _, d := range r.Deviations {
		if d.CaseID == caseID {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of deviations of one kind.
func (r Result) Count(k skeleton.Kind) int {
	n := 0
	for _, d := range r.Deviations {
		if d.Kind == k {
			n++
		}
	}
	return n
}

// Cases returns the sorted ids of cases with at least one deviation.
func (r Result) Cases() []string {
	seen := make(map[string]struct{})
	for _, d := range r.Deviations {
		seen[d.CaseID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Grouped returns deviations keyed by kind. Every kind is present.
func (r Result) Grouped() map[skeleton.Kind][]Deviation {
	out := make(map[skeleton.Kind][]Deviation, len(skeleton.Kinds()))
	for _, k := range skeleton.Kinds() {
		out[k] = []Deviation{}
	}
	for _, d := range r.Deviations {
		out[d.Kind] = append(out[d.Kind], d)
	}
	return out
}

// Filter returns the deviations matching kind and case. A nil kind or an
// empty case id matches everything.
func (r Result) Filter(kind *skeleton.Kind, caseID string) Result {
	out := Result{Deviations: []Deviation{}}
	for _, d := range r.Deviations {
		if kind != nil && d.Kind != *kind {
			continue
		}
		if caseID != "" && d.CaseID != caseID {
			continue
		}
		out.Deviations = append(out.Deviations, d)
	}
	return out
}

// mergeResults combines shard results into one stream-ordered result.
func mergeResults(parts ...Result) Result {
	n := 0
	for _, p := range parts {
		n += len(p.Deviations)
	}
	out := Result{Deviations: make([]Deviation, 0, n)}
	for _, p := range parts {
		out.Deviations = append(out.Deviations, p.Deviations...)
	}
	sort.SliceStable(out.Deviations, func(i, j int) bool {
		return out.Deviations[i].Sequence < out.Deviations[j].Sequence
	})
	return out
}
