package report

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/skelstream/pkg/errors"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig(mr.Addr())
	cfg.TTL = ttl
	b := newRedisBackend(cfg, redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisBackend_Keys(t *testing.T) {
	b := &RedisBackend{cfg: DefaultRedisConfig("localhost:6379")}

	assert.Equal(t, "skelstream:reports:snapshot:run-1", b.key("run-1"))
	assert.Equal(t, "skelstream:reports:index", b.indexKey())
	assert.NotEqual(t, b.indexKey(), b.key("index"))
	assert.Equal(t, "redis", b.Name())
}

func TestRedisBackend(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t, time.Hour)

	for _, id := range []string{"run-1", "run-2", "other-1"} {
		require.NoError(t, b.Save(ctx, testSnapshot(id)))
	}
	assert.True(t, mr.Exists(b.key("run-1")))
	assert.Equal(t, time.Hour, mr.TTL(b.key("run-1")))
	member, err := mr.SIsMember(b.indexKey(), "run-1")
	require.NoError(t, err)
	assert.True(t, member)

	got, err := b.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, testSnapshot("run-1"), got)

	list, err := b.List(ctx, "run-")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-1", list[0].ID)
	assert.Equal(t, "run-2", list[1].ID)

	all, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, b.Delete(ctx, "run-1"))
	_, err = b.Load(ctx, "run-1")
	assert.True(t, errors.IsCode(err, errors.CodeReportNotFound))
	member, err = mr.SIsMember(b.indexKey(), "run-1")
	require.NoError(t, err)
	assert.False(t, member)

	assert.NoError(t, b.Delete(ctx, "run-1"), "deleting a missing snapshot is not an error")
}

func TestRedisBackend_Overwrite(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedis(t, time.Hour)

	s := testSnapshot("run-1")
	require.NoError(t, b.Save(ctx, s))
	s.Final = true
	require.NoError(t, b.Save(ctx, s))

	got, err := b.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.Final)
	assert.Equal(t, int64(1), b.client.SCard(ctx, b.indexKey()).Val())
}

func TestRedisBackend_ListPrunesExpired(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t, time.Minute)

	require.NoError(t, b.Save(ctx, testSnapshot("run-1")))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, b.Save(ctx, testSnapshot("run-2")))

	list, err := b.List(ctx, "run-")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-2", list[0].ID)

	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"run-2"}, ids)
}

func TestRedisBackend_NoTTL(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t, 0)

	require.NoError(t, b.Save(ctx, testSnapshot("run-1")))
	assert.Zero(t, mr.TTL(b.key("run-1")))
}

func TestRedisBackend_CorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t, time.Hour)

	require.NoError(t, mr.Set(b.key("bad"), "not json"))
	_, err := b.Load(ctx, "bad")
	assert.True(t, errors.IsCode(err, errors.CodeReportRead))
}

func TestRedisBackend_DistinctIDsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedis(t, time.Hour)

	err := b.Save(ctx, testSnapshot("a:b"))
	assert.True(t, errors.IsCode(err, errors.CodeReportWrite))
	assert.Error(t, b.Save(ctx, testSnapshot("a b")))

	require.NoError(t, b.Save(ctx, testSnapshot("a_b")))
	_, err = b.Load(ctx, "a:b")
	require.Error(t, err)

	got, err := b.Load(ctx, "a_b")
	require.NoError(t, err)
	assert.Equal(t, "a_b", got.ID)
}

func TestRedisBackend_ServerDown(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	b := newRedisBackend(DefaultRedisConfig(mr.Addr()), redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer b.Close()
	mr.Close()

	err = b.Save(ctx, testSnapshot("run-1"))
	assert.True(t, errors.IsCode(err, errors.CodeReportBackend))
	assert.True(t, errors.IsRetryable(err))

	_, err = b.Load(ctx, "run-1")
	assert.True(t, errors.IsCode(err, errors.CodeReportBackend))
}

func TestNewRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := NewRedisBackend(context.Background(), DefaultRedisConfig(mr.Addr()))
	require.NoError(t, err)
	defer b.Close()
	assert.NoError(t, b.Ping(context.Background()))
}

func TestNewRedisBackend_Unreachable(t *testing.T) {
	cfg := DefaultRedisConfig("127.0.0.1:1")
	cfg.Timeout = 200 * time.Millisecond

	_, err := NewRedisBackend(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
	assert.True(t, errors.IsRetryable(err))
}
