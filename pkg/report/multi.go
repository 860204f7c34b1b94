package report

import (
	"context"

	"go.uber.org/zap"
)

// MultiBackend writes to a primary and, best effort, a secondary backend.
// Reads are served by the primary and fall back to the secondary.
type MultiBackend struct {
	primary   Backend
	secondary Backend
	logger    *zap.Logger
}

// NewMultiBackend combines two backends. A nil logger discards diagnostics.
func NewMultiBackend(primary, secondary Backend, logger *zap.Logger) *MultiBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiBackend{primary: primary, secondary: secondary, logger: logger}
}

// Save writes to the primary first. A secondary failure is logged only.
func (m *MultiBackend) Save(ctx context.Context, s *Snapshot) error {
	if err := m.primary.Save(ctx, s); err != nil {
		return err
	}
	if err := m.secondary.Save(ctx, s); err != nil {
		m.logger.Warn("secondary report backend save failed",
			zap.String("backend", m.secondary.Name()),
			zap.String("id", s.ID),
			zap.Error(err))
	}
	return nil
}

// Load tries the primary, then the secondary.
func (m *MultiBackend) Load(ctx context.Context, id string) (*Snapshot, error) {
	s, err := m.primary.Load(ctx, id)
	if err == nil {
		return s, nil
	}
	if s2, err2 := m.secondary.Load(ctx, id); err2 == nil {
		return s2, nil
	}
	return nil, err
}

// Delete removes from both; the primary's error wins.
func (m *MultiBackend) Delete(ctx context.Context, id string) error {
	err := m.primary.Delete(ctx, id)
	if err2 := m.secondary.Delete(ctx, id); err2 != nil {
		m.logger.Warn("secondary report backend delete failed",
			zap.String("backend", m.secondary.Name()),
			zap.String("id", id),
			zap.Error(err2))
	}
	return err
}

// List uses the primary only.
func (m *MultiBackend) List(ctx context.Context, prefix string) ([]*Snapshot, error) {
	return m.primary.List(ctx, prefix)
}

// Name returns "primary+secondary".
func (m *MultiBackend) Name() string {
	return m.primary.Name() + "+" + m.secondary.Name()
}
