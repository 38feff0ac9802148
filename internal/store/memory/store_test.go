package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipseek/clipseek/internal/pipeline"
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

func TestGetSetWithTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := New(clock)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), value)

	ttl, ok, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Minute, ttl)

	clock.Advance(time.Minute + time.Second)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetNX(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := New(clock)
	ctx := context.Background()

	won, err := store.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	won, err = store.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	require.False(t, won)

	value, ok, err := store.Get(ctx, "lock")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), value)

	// Expiry frees the key for the next taker.
	clock.Advance(2 * time.Minute)
	won, err = store.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestIncrWithExpiryWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := New(clock)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := store.IncrWithExpiry(ctx, "rate", time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}

	// A fresh window restarts the count.
	clock.Advance(2 * time.Minute)
	n, err := store.IncrWithExpiry(ctx, "rate", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestOrderedSetOperations(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := New(clock)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "s", 3, "c"))
	require.NoError(t, store.ZAdd(ctx, "s", 1, "a"))
	require.NoError(t, store.ZAdd(ctx, "s", 2, "b"))

	members, err := store.ZRangeByScore(ctx, "s", 0, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, members)

	members, err = store.ZRangeByScore(ctx, "s", 0, 10, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, members)

	rev, err := store.ZRevRangeByScore(ctx, "s", 2, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []pipeline.ScoredMember{{Member: "c", Score: 3}, {Member: "b", Score: 2}}, rev)

	rank, ok, err := store.ZRank(ctx, "s", "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), rank)

	card, err := store.ZCard(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, int64(3), card)

	removed, err := store.ZRem(ctx, "s", "b")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = store.ZRem(ctx, "s", "b")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestZIncrByAndZScore(t *testing.T) {
	t.Parallel()

	store := New(newFakeClock())
	ctx := context.Background()

	score, err := store.ZIncrBy(ctx, "usage", 1, "m")
	require.NoError(t, err)
	require.Equal(t, float64(1), score)
	score, err = store.ZIncrBy(ctx, "usage", 2, "m")
	require.NoError(t, err)
	require.Equal(t, float64(3), score)

	got, ok, err := store.ZScore(ctx, "usage", "m")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(3), got)

	_, ok, err = store.ZScore(ctx, "usage", "absent")
	require.NoError(t, err)
	require.False(t, ok)
}
