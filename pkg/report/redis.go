package report

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/logflow/skelstream/pkg/errors"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// Address is the Redis server address, e.g. "localhost:6379".
	Address  string
	Password string
	Database int

	// Prefix is prepended to every key.
	Prefix string

	// TTL expires snapshot keys; zero keeps them forever.
	TTL time.Duration

	// Timeout bounds each operation.
	Timeout time.Duration

	PoolSize     int
	MinIdleConns int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:      address,
		Prefix:       "skelstream:reports:",
		TTL:          24 * time.Hour,
		Timeout:      5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisBackend stores snapshots as JSON strings under <prefix>snapshot:<id>,
// with a set at <prefix>index listing the known IDs so List does not need
// SCAN. IDs cannot contain ':' so the two never collide.
type RedisBackend struct {
	cfg    RedisConfig
	client redis.UniversalClient
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisConfig("").Timeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to connect to Redis").
			WithContext("address", cfg.Address)
	}

	return newRedisBackend(cfg, client), nil
}

func newRedisBackend(cfg RedisConfig, client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{cfg: cfg, client: client}
}

func (b *RedisBackend) key(id string) string {
	return b.cfg.Prefix + "snapshot:" + id
}

func (b *RedisBackend) indexKey() string {
	return b.cfg.Prefix + "index"
}

// Save writes the snapshot and indexes its ID in one pipeline.
func (b *RedisBackend) Save(ctx context.Context, s *Snapshot) error {
	if err := validateID(s.ID); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, errors.CodeReportWrite, "failed to encode snapshot")
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.key(s.ID), data, b.cfg.TTL)
	pipe.SAdd(ctx, b.indexKey(), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.CodeReportBackend, "failed to save snapshot to Redis").
			WithContext("id", s.ID)
	}
	return nil
}

// Load retrieves one snapshot.
func (b *RedisBackend) Load(ctx context.Context, id string) (*Snapshot, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := b.client.Get(ctx, b.key(id)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, notFound(b.Name(), id)
		}
		return nil, errors.Wrap(err, errors.CodeReportBackend, "failed to load snapshot from Redis").
			WithContext("id", id)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, errors.CodeReportRead, "failed to decode snapshot").
			WithContext("id", id)
	}
	return &s, nil
}

// Delete removes the snapshot and its index entry.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.key(id))
	pipe.SRem(ctx, b.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.CodeReportBackend, "failed to delete snapshot from Redis").
			WithContext("id", id)
	}
	return nil
}

// List loads the indexed snapshots with the prefix. Index entries whose key
// has expired are pruned.
func (b *RedisBackend) List(ctx context.Context, prefix string) ([]*Snapshot, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeReportBackend, "failed to list snapshots")
	}
	sort.Strings(ids)

	var out []*Snapshot
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		s, err := b.Load(ctx, id)
		if err != nil {
			if errors.IsCode(err, errors.CodeReportNotFound) {
				b.client.SRem(ctx, b.indexKey(), id)
			}
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Name returns "redis".
func (b *RedisBackend) Name() string {
	return "redis"
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
