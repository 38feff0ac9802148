package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipseek/clipseek/internal/pipeline"
	"github.com/clipseek/clipseek/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLockMutualExclusion(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := New(memory.New(clock))
	ctx := context.Background()
	key := pipeline.NewSearchKey("douyin", "gadgets", "7d")

	won, err := limiter.TryAcquireLock(ctx, key, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	won, err = limiter.TryAcquireLock(ctx, key, "job-2", time.Minute)
	require.NoError(t, err)
	require.False(t, won)

	holder, ok, err := limiter.LockHolder(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", holder)

	require.NoError(t, limiter.ReleaseLock(ctx, key))
	_, ok, err = limiter.LockHolder(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	won, err = limiter.TryAcquireLock(ctx, key, "job-2", time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestLockExpiresWithTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := New(memory.New(clock))
	ctx := context.Background()
	key := pipeline.NewSearchKey("douyin", "news", "24h")

	won, err := limiter.TryAcquireLock(ctx, key, "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	clock.Advance(2 * time.Minute)

	won, err = limiter.TryAcquireLock(ctx, key, "job-2", time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestRateCapWithinWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := New(memory.New(clock))
	ctx := context.Background()
	key := pipeline.NewSearchKey("douyin", "music", "7d")

	for i := 0; i < 2; i++ {
		allowed, retryAfter, err := limiter.CheckAndIncrementRate(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
		require.Zero(t, retryAfter)
	}

	allowed, retryAfter, err := limiter.CheckAndIncrementRate(ctx, key, 2, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))
	require.LessOrEqual(t, retryAfter, time.Minute)
}

func TestRateWindowResets(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := New(memory.New(clock))
	ctx := context.Background()
	key := pipeline.NewSearchKey("douyin", "sports", "7d")

	allowed, _, err := limiter.CheckAndIncrementRate(ctx, key, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = limiter.CheckAndIncrementRate(ctx, key, 1, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)

	clock.Advance(2 * time.Minute)

	allowed, _, err = limiter.CheckAndIncrementRate(ctx, key, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRateCountersAreIndependentPerKey(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := New(memory.New(clock))
	ctx := context.Background()

	first := pipeline.NewSearchKey("douyin", "one", "7d")
	second := pipeline.NewSearchKey("douyin", "two", "7d")

	allowed, _, err := limiter.CheckAndIncrementRate(ctx, first, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = limiter.CheckAndIncrementRate(ctx, second, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
}
