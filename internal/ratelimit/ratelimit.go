// Package ratelimit implements the per-key distributed lock and windowed rate
// counter on the shared atomic store. Both primitives are single round trips;
// a check-then-act sequence would defeat cross-process exclusion.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/clipseek/clipseek/internal/pipeline"
)

const (
	lockPrefix = "lock:"
	ratePrefix = "rate:"
)

// Limiter implements pipeline.Locker.
type Limiter struct {
	store pipeline.Store
}

// New constructs a Limiter over the shared store.
func New(store pipeline.Store) *Limiter {
	return &Limiter{store: store}
}

// TryAcquireLock sets the lock only if absent (compare-and-swap on absence).
// The TTL bounds the cost of a crashed holder.
func (l *Limiter) TryAcquireLock(ctx context.Context, key pipeline.SearchKey, holderID string, ttl time.Duration) (bool, error) {
	ok, err := l.store.SetNX(ctx, lockPrefix+key.String(), []byte(holderID), ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// LockHolder returns the job id currently holding the lock for key.
func (l *Limiter) LockHolder(ctx context.Context, key pipeline.SearchKey) (string, bool, error) {
	value, ok, err := l.store.Get(ctx, lockPrefix+key.String())
	if err != nil {
		return "", false, fmt.Errorf("read lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return string(value), true, nil
}

// ReleaseLock deletes the lock unconditionally. Used once the owning job
// reaches a terminal state, regardless of success or failure.
func (l *Limiter) ReleaseLock(ctx context.Context, key pipeline.SearchKey) error {
	if err := l.store.Del(ctx, lockPrefix+key.String()); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// CheckAndIncrementRate counts one event against the key's window. The
// increment and the expiry arm in one atomic operation; once the counter
// exceeds limit the call is denied and retryAfter reports the remaining
// cooldown.
func (l *Limiter) CheckAndIncrementRate(ctx context.Context, key pipeline.SearchKey, limit int64, window time.Duration) (bool, time.Duration, error) {
	counterKey := ratePrefix + key.String()
	n, err := l.store.IncrWithExpiry(ctx, counterKey, window)
	if err != nil {
		return false, 0, fmt.Errorf("increment rate %s: %w", key, err)
	}
	if n <= limit {
		return true, 0, nil
	}
	retryAfter, ok, err := l.store.TTL(ctx, counterKey)
	if err != nil {
		return false, 0, fmt.Errorf("rate cooldown %s: %w", key, err)
	}
	if !ok {
		retryAfter = window
	}
	return false, retryAfter, nil
}
