package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAcquireRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	require.NoError(t, m.Acquire(ctx, "rec-1", "saga-a", time.Minute, 0))

	err := m.Acquire(ctx, "rec-1", "saga-b", time.Minute, 0)
	require.ErrorIs(t, err, ErrNotAcquired)

	// Different resources never contend.
	require.NoError(t, m.Acquire(ctx, "rec-2", "saga-b", time.Minute, 0))

	holder, err := m.Holder(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "saga-a", holder.Owner)

	// Release by a non-owner is ignored.
	require.NoError(t, m.Release(ctx, "rec-1", "saga-b"))
	require.ErrorIs(t, m.Acquire(ctx, "rec-1", "saga-b", time.Minute, 0), ErrNotAcquired)

	require.NoError(t, m.Release(ctx, "rec-1", "saga-a"))
	require.NoError(t, m.Acquire(ctx, "rec-1", "saga-b", time.Minute, 0))
}

func TestMemoryAcquireIsReentrantForOwner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	require.NoError(t, m.Acquire(ctx, "rec-1", "saga-a", time.Minute, 0))
	require.NoError(t, m.Acquire(ctx, "rec-1", "saga-a", time.Hour, 0))

	holder, err := m.Holder(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, holder.ExpiresAt.Sub(holder.AcquiredAt) > 59*time.Minute)
}

func TestMemoryLeaseExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryManager()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Acquire(ctx, "rec-1", "crashed", time.Second, 0))
	require.ErrorIs(t, m.Acquire(ctx, "rec-1", "other", time.Second, 0), ErrNotAcquired)

	now = now.Add(2 * time.Second)
	holder, err := m.Holder(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, holder)
	require.NoError(t, m.Acquire(ctx, "rec-1", "other", time.Second, 0))
}

func TestMemoryAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	m.poll = time.Millisecond

	require.NoError(t, m.Acquire(ctx, "rec-1", "first", time.Minute, 0))

	var wg sync.WaitGroup
	wg.Add(1)
	var acquireErr error
	go func() {
		defer wg.Done()
		acquireErr = m.Acquire(ctx, "rec-1", "second", time.Minute, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Release(ctx, "rec-1", "first"))
	wg.Wait()

	require.NoError(t, acquireErr)
	holder, err := m.Holder(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "second", holder.Owner)
}

func TestMemoryAcquireTimesOut(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	m.poll = time.Millisecond

	require.NoError(t, m.Acquire(ctx, "rec-1", "first", time.Minute, 0))

	start := time.Now()
	err := m.Acquire(ctx, "rec-1", "second", time.Minute, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrNotAcquired)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemoryAcquireHonoursCallerCancellation(t *testing.T) {
	m := NewMemoryManager()
	m.poll = time.Millisecond
	require.NoError(t, m.Acquire(context.Background(), "rec-1", "first", time.Minute, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Acquire(ctx, "rec-1", "second", time.Minute, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
