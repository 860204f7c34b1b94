package report

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/errors"
	"github.com/logflow/skelstream/pkg/resilience"
	"github.com/logflow/skelstream/pkg/skeleton"
)

func testMonitor(t *testing.T) *conformance.Synchronized {
	t.Helper()
	m, err := conformance.NewSynchronized(skeleton.MustNew(skeleton.Definition{
		NeverTogether: [][]string{{"A", "B"}},
	}))
	require.NoError(t, err)
	return m
}

func testSnapshot(id string) *Snapshot {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Snapshot{
		ID:        id,
		Source:    "stdin",
		CreatedAt: now,
		UpdatedAt: now,
		Stats: conformance.Stats{
			Events:     2,
			Cases:      1,
			Deviations: 1,
			ByKind:     map[skeleton.Kind]int{skeleton.NeverTogether: 1},
		},
		Deviations: []conformance.Deviation{{
			Kind: skeleton.NeverTogether, CaseID: "c1", Activity: "B",
			Activities: []string{"A"}, Sequence: 2,
		}},
	}
}

func TestCapture(t *testing.T) {
	m := testMonitor(t)
	m.Receive(conformance.NewEvent("c1", "A"))
	m.Receive(conformance.NewEvent("c1", "B"))

	s := Capture("run-1", "stdin", m)
	assert.Equal(t, "run-1", s.ID)
	assert.Equal(t, uint64(2), s.Stats.Events)
	require.Len(t, s.Deviations, 1)
	assert.Equal(t, 1, s.Result().Count(skeleton.NeverTogether))
}

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewLocalBackend(filepath.Join(t.TempDir(), "reports"))
	require.NoError(t, err)

	require.NoError(t, b.Save(ctx, testSnapshot("run-b")))
	require.NoError(t, b.Save(ctx, testSnapshot("run-a")))
	require.NoError(t, b.Save(ctx, testSnapshot("other")))

	got, err := b.Load(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, testSnapshot("run-a"), got)

	list, err := b.List(ctx, "run-")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-a", list[0].ID)
	assert.Equal(t, "run-b", list[1].ID)

	require.NoError(t, b.Delete(ctx, "run-a"))
	require.NoError(t, b.Delete(ctx, "run-a"), "deleting twice is fine")
	_, err = b.Load(ctx, "run-a")
	assert.True(t, errors.IsCode(err, errors.CodeReportNotFound))
}

func TestLocalBackend_Overwrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	require.NoError(t, err)

	s := testSnapshot("run")
	require.NoError(t, b.Save(ctx, s))
	s.Final = true
	require.NoError(t, b.Save(ctx, s))

	got, err := b.Load(ctx, "run")
	require.NoError(t, err)
	assert.True(t, got.Final)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestLocalBackend_SkipsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.Save(ctx, testSnapshot("good")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	list, err := b.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)

	_, err = b.Load(ctx, "bad")
	assert.True(t, errors.IsCode(err, errors.CodeReportRead))
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "a:b", "a b", "run\t1"} {
		assert.Error(t, validateID(id), id)
	}
	assert.NoError(t, validateID("6f1c2c3e-run"))
	assert.NoError(t, validateID("a_b"))
}

// memBackend is an in-memory Backend with injectable failures.
type memBackend struct {
	mu      sync.Mutex
	name    string
	items   map[string]*Snapshot
	saveErr error
	saves   int
}

func newMemBackend(name string) *memBackend {
	return &memBackend{name: name, items: make(map[string]*Snapshot)}
}

func (m *memBackend) Save(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *s
	m.items[s.ID] = &cp
	return nil
}

func (m *memBackend) Load(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, notFound(m.name, id)
	}
	return s, nil
}

func (m *memBackend) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memBackend) List(ctx context.Context, prefix string) ([]*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Snapshot
	for _, s := range m.items {
		out = append(out, s)
	}
	return out, nil
}

func (m *memBackend) Name() string { return m.name }

func (m *memBackend) get(id string) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	return s, ok
}

func TestMultiBackend(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	primary, secondary := newMemBackend("local"), newMemBackend("s3")
	secondary.saveErr = stderrors.New("throttled")

	m := NewMultiBackend(primary, secondary, zap.New(core))
	assert.Equal(t, "local+s3", m.Name())

	require.NoError(t, m.Save(ctx, testSnapshot("run")), "secondary failure is best effort")
	assert.Equal(t, 1, logs.Len())

	primary.saveErr = stderrors.New("disk full")
	assert.Error(t, m.Save(ctx, testSnapshot("run2")))

	// Reads fall back to the secondary.
	secondary.items["only-secondary"] = testSnapshot("only-secondary")
	got, err := m.Load(ctx, "only-secondary")
	require.NoError(t, err)
	assert.Equal(t, "only-secondary", got.ID)

	_, err = m.Load(ctx, "missing")
	assert.True(t, errors.IsCode(err, errors.CodeReportNotFound))
}

func TestPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend("mem")
	m := testMonitor(t)
	p := NewPublisher(backend, m, WithID("run-1"), WithSource("stdin"))
	assert.Equal(t, "run-1", p.ID())

	m.Receive(conformance.NewEvent("c1", "A"))
	require.NoError(t, p.Publish(ctx, false))
	require.NoError(t, p.Publish(ctx, false), "unchanged state is skipped")
	assert.Equal(t, 1, backend.saves)

	m.Receive(conformance.NewEvent("c1", "B"))
	require.NoError(t, p.Publish(ctx, false))
	require.NoError(t, p.Publish(ctx, true), "final always saves")
	assert.Equal(t, 3, backend.saves)
	assert.Equal(t, 3, p.Saved())

	s, ok := backend.get("run-1")
	require.True(t, ok)
	assert.True(t, s.Final)
	assert.Equal(t, "stdin", s.Source)
	assert.Len(t, s.Deviations, 1)
	assert.False(t, s.UpdatedAt.Before(s.CreatedAt))
}

func TestPublisher_DefaultIDIsUUID(t *testing.T) {
	p := NewPublisher(newMemBackend("mem"), testMonitor(t))
	assert.Len(t, p.ID(), 36)
}

func TestPublisher_SaveError(t *testing.T) {
	backend := newMemBackend("mem")
	backend.saveErr = stderrors.New("unreachable")

	p := NewPublisher(backend, testMonitor(t))
	assert.Error(t, p.Publish(context.Background(), true))
	assert.Zero(t, p.Saved())
}

func TestPublisher_Run(t *testing.T) {
	backend := newMemBackend("mem")
	m := testMonitor(t)
	p := NewPublisher(backend, m, WithID("run"), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	m.Receive(conformance.NewEvent("c1", "A"))
	require.Eventually(t, func() bool {
		_, ok := backend.get("run")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	s, ok := backend.get("run")
	require.True(t, ok)
	assert.True(t, s.Final, "final snapshot written after cancellation")
}

func TestPublisher_RunWithoutInterval(t *testing.T) {
	backend := newMemBackend("mem")
	p := NewPublisher(backend, testMonitor(t), WithID("run"), WithInterval(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	assert.Equal(t, 1, backend.saves)
}

func TestPublisher_BreakerSkipsPeriodicSaves(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend("mem")
	backend.saveErr = stderrors.New("connection refused")

	cb := resilience.NewCircuitBreaker().WithMaxFailures(2).WithCooldown(time.Hour)
	p := NewPublisher(backend, testMonitor(t), WithBreaker(cb))

	assert.Error(t, p.Publish(ctx, false))
	assert.Error(t, p.Publish(ctx, false))
	assert.Equal(t, resilience.CircuitOpen, cb.State())

	err := p.Publish(ctx, false)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
	assert.Equal(t, 2, backend.saves, "open circuit does not reach the backend")

	backend.saveErr = nil
	require.NoError(t, p.Publish(ctx, true), "final save bypasses the breaker")
	assert.Equal(t, 3, backend.saves)
}
