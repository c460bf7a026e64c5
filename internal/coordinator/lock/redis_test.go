package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/civic-records/internal/pkg/cache"
)

func newTestRedisManager(t *testing.T) (*RedisManager, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	m := NewRedisManager(client, cache.NewKeyspace("records"))
	m.poll = time.Millisecond
	return m, srv
}

func TestRedisAcquireRelease(t *testing.T) {
	ctx := context.Background()
	m, srv := newTestRedisManager(t)

	require.NoError(t, m.Acquire(ctx, "rec-1", "saga-a", time.Minute, 0))
	srv.CheckGet(t, "records:lock:{rec-1}", "saga-a")
	assert.True(t, srv.Exists("records:lock-acquired:{rec-1}"), "both lock keys share one cluster slot")

	require.ErrorIs(t, m.Acquire(ctx, "rec-1", "saga-b", time.Minute, 0), ErrNotAcquired)

	holder, err := m.Holder(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "saga-a", holder.Owner)
	assert.False(t, holder.AcquiredAt.IsZero())

	require.NoError(t, m.Release(ctx, "rec-1", "saga-b"))
	assert.True(t, srv.Exists("records:lock:{rec-1}"))

	require.NoError(t, m.Release(ctx, "rec-1", "saga-a"))
	assert.False(t, srv.Exists("records:lock:{rec-1}"))
	assert.False(t, srv.Exists("records:lock-acquired:{rec-1}"))

	holder, err = m.Holder(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestRedisLeaseExpires(t *testing.T) {
	ctx := context.Background()
	m, srv := newTestRedisManager(t)

	require.NoError(t, m.Acquire(ctx, "rec-1", "crashed", 2*time.Second, 0))
	require.ErrorIs(t, m.Acquire(ctx, "rec-1", "other", time.Second, 0), ErrNotAcquired)

	srv.FastForward(3 * time.Second)
	require.NoError(t, m.Acquire(ctx, "rec-1", "other", time.Second, 0))
}

func TestRedisAcquireIsReentrantForOwner(t *testing.T) {
	ctx := context.Background()
	m, srv := newTestRedisManager(t)

	require.NoError(t, m.Acquire(ctx, "rec-1", "saga-a", time.Second, 0))
	require.NoError(t, m.Acquire(ctx, "rec-1", "saga-a", time.Hour, 0))
	assert.Greater(t, srv.TTL("records:lock:{rec-1}"), time.Minute)
}

func TestRedisAcquireTimesOut(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestRedisManager(t)

	require.NoError(t, m.Acquire(ctx, "rec-1", "first", time.Minute, 0))
	err := m.Acquire(ctx, "rec-1", "second", time.Minute, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrNotAcquired)
}
