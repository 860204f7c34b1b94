// Package report persists deviation snapshots for external reporting.
// Snapshots carry deviations and counters only; the skeleton model is never
// stored.
package report

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/errors"
)

// Snapshot is the state of one run's deviations at a point in time.
type Snapshot struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Final is set on the snapshot written when the run ended.
	Final bool `json:"final"`

	Stats      conformance.Stats       `json:"stats"`
	Deviations []conformance.Deviation `json:"deviations"`
}

// Capture copies the current state of m into a snapshot.
func Capture(id, source string, m conformance.Monitor) *Snapshot {
	now := time.Now().UTC()
	return &Snapshot{
		ID:         id,
		Source:     source,
		CreatedAt:  now,
		UpdatedAt:  now,
		Stats:      m.Stats(),
		Deviations: m.CurrentResult().Deviations,
	}
}

// Result returns the snapshot deviations as a conformance result.
func (s *Snapshot) Result() conformance.Result {
	return conformance.Result{Deviations: s.Deviations}
}

// Backend stores snapshots.
type Backend interface {
	// Save creates or replaces the snapshot with the same ID.
	Save(ctx context.Context, s *Snapshot) error

	// Load retrieves a snapshot by ID. A missing snapshot yields an
	// error with CodeReportNotFound.
	Load(ctx context.Context, id string) (*Snapshot, error)

	// Delete removes a snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, id string) error

	// List returns the snapshots whose ID starts with prefix.
	List(ctx context.Context, prefix string) ([]*Snapshot, error)

	// Name returns the backend name for logging.
	Name() string
}

// validateID rejects IDs that cannot be used as a file name or object key.
// Key separators and whitespace are rejected rather than rewritten so two
// distinct IDs never share a key.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\:`) ||
		strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return errors.New(errors.CodeReportWrite, "invalid snapshot id").WithContext("id", id)
	}
	return nil
}

func notFound(backend, id string) *errors.Error {
	return errors.New(errors.CodeReportNotFound, "snapshot not found").
		WithContext("backend", backend).
		WithContext("id", id)
}
