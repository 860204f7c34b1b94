package conformance

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/logflow/skelstream/pkg/errors"
	"github.com/logflow/skelstream/pkg/interfaces"
	"github.com/logflow/skelstream/pkg/skeleton"
)

// Synchronized serializes access to one Checker with a mutex.
type Synchronized struct {
	mu      sync.Mutex
	checker *Checker
}

// NewSynchronized creates a lock-guarded checker.
func NewSynchronized(model *skeleton.Model, opts ...Option) (*Synchronized, error) {
	c, err := New(model, opts...)
	if err != nil {
		return nil, err
	}
	return &Synchronized{checker: c}, nil
}

// Receive processes one event under the lock.
func (s *Synchronized) Receive(e Event) {
	s.mu.Lock()
	s.checker.Receive(e)
	s.mu.Unlock()
}

// CurrentResult returns a snapshot under the lock.
func (s *Synchronized) CurrentResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checker.CurrentResult()
}

// Stats returns counters under the lock.
func (s *Synchronized) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checker.Stats()
}

// Case returns one case's state under the lock.
func (s *Synchronized) Case(caseID string) (CaseSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checker.Case(caseID)
}

// Sharded partitions cases across independent checkers by a hash of the case
// id, so events of different cases can be received concurrently. All events
// of one case land on the same shard, which keeps per-case results identical
// to a single Checker.
type Sharded struct {
	cfg    Config
	shards []*shard
	seq    atomic.Uint64
}

type shard struct {
	mu      sync.Mutex
	checker *Checker
}

// NewSharded creates n shards that share model and options. Deviation
// handlers run while the owning shard is locked.
func NewSharded(model *skeleton.Model, n int, opts ...Option) (*Sharded, error) {
	if n < 1 {
		return nil, errors.InvalidConfig("shards", "shard count must be at least 1").
			WithContext("shards", n)
	}

	s := &Sharded{shards: make([]*shard, n)}
	for i := range s.shards {
		shardOpts := append(append([]Option(nil), opts...),
			withTags(map[string]string{interfaces.TagShard: strconv.Itoa(i)}))
		c, err := New(model, shardOpts...)
		if err != nil {
			return nil, err
		}
		s.shards[i] = &shard{checker: c}
	}
	s.cfg = s.shards[0].checker.Config()
	return s, nil
}

// Len returns the number of shards.
func (s *Sharded) Len() int {
	return len(s.shards)
}

// Receive routes one event to its case's shard. Events without a case id go
// to shard 0, which reports them as malformed.
func (s *Sharded) Receive(e Event) {
	seq := s.seq.Add(1)
	sh := s.shards[s.index(e)]
	sh.mu.Lock()
	sh.checker.receive(e, seq)
	sh.mu.Unlock()
}

func (s *Sharded) index(e Event) int {
	caseID, ok := e.Attr(s.cfg.CaseIDKey)
	if !ok || len(s.shards) == 1 {
		return 0
	}
	return int(xxhash.Sum64String(caseID) % uint64(len(s.shards)))
}

// CurrentResult merges every shard's deviations in stream order.
func (s *Sharded) CurrentResult() Result {
	parts := make([]Result, len(s.shards))
	for i, sh := range s.shards {
		sh.mu.Lock()
		parts[i] = sh.checker.CurrentResult()
		sh.mu.Unlock()
	}
	return mergeResults(parts...)
}

// Stats sums the counters of all shards.
func (s *Sharded) Stats() Stats {
	total := Stats{ByKind: make(map[skeleton.Kind]int)}
	for _, sh := range s.shards {
		sh.mu.Lock()
		total.add(sh.checker.Stats())
		sh.mu.Unlock()
	}
	return total
}

// Case returns one case's state from its shard.
func (s *Sharded) Case(caseID string) (CaseSnapshot, bool) {
	sh := s.shards[s.index(Event{s.cfg.CaseIDKey: caseID})]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.checker.Case(caseID)
}

var (
	_ Monitor = (*Synchronized)(nil)
	_ Monitor = (*Sharded)(nil)
)
