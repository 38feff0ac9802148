package pipeline

import (
	"context"
	"time"
)

// Store is the shared atomic key-value store every process can reach. All
// cross-process coordination state (cache L2, locks, rate counters, the queue)
// lives behind it. Every method is a single atomic round trip; callers never
// compose read-modify-write sequences over shared keys.
type Store interface {
	// Get returns the value at key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set writes the value. A positive ttl makes the store itself expire the
	// key; zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only if the key is absent. Reports whether the write won.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// IncrWithExpiry atomically increments a counter, setting its expiry on
	// the first increment of a window, and returns the new value.
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key; ok=false when the key is
	// absent or carries no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// ZAdd inserts or rescores a member of an ordered set.
	ZAdd(ctx context.Context, set string, score float64, member string) error
	// ZIncrBy atomically adjusts a member's score and returns the new score.
	ZIncrBy(ctx context.Context, set string, delta float64, member string) (float64, error)
	// ZRem removes a member, reporting whether it was present. Concurrent
	// removers of the same member see exactly one true.
	ZRem(ctx context.Context, set string, member string) (bool, error)
	// ZScore returns a member's score, ok=false when absent.
	ZScore(ctx context.Context, set string, member string) (score float64, ok bool, err error)
	// ZRank returns a member's ascending rank, ok=false when absent.
	ZRank(ctx context.Context, set string, member string) (rank int64, ok bool, err error)
	// ZCard returns the member count of a set.
	ZCard(ctx context.Context, set string) (int64, error)
	// ZRangeByScore returns up to limit members with min <= score <= max in
	// ascending score order. limit <= 0 means no bound.
	ZRangeByScore(ctx context.Context, set string, min, max float64, limit int64) ([]string, error)
	// ZRevRangeByScore returns up to limit members with min <= score <= max
	// in descending score order, with scores.
	ZRevRangeByScore(ctx context.Context, set string, min, max float64, limit int64) ([]ScoredMember, error)
}

// ScoredMember pairs an ordered-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Cache is the two-level result cache consulted before any scrape work is
// enqueued.
type Cache interface {
	// Get returns the payload for key if a live entry exists, bumping its
	// access counters.
	Get(ctx context.Context, key SearchKey) ([]ResultItem, bool, error)
	// Peek reports liveness without touching counters or the payload.
	Peek(ctx context.Context, key SearchKey) (bool, error)
	// Set inserts or fully replaces the entry for key.
	Set(ctx context.Context, key SearchKey, items []ResultItem, ttl time.Duration) error
	// Invalidate removes the entry from both levels, idempotently.
	Invalidate(ctx context.Context, key SearchKey) error
	// RecordSearch bumps the search counter driving TopByUsage.
	RecordSearch(ctx context.Context, key SearchKey) error
	// TopByUsage lists keys with searchCount >= min, most searched first.
	TopByUsage(ctx context.Context, minSearchCount int64, limit int64) ([]SearchKey, error)
}

// Locker provides per-key cross-process mutual exclusion plus the windowed
// rate counter capping recrawl frequency.
type Locker interface {
	TryAcquireLock(ctx context.Context, key SearchKey, holderID string, ttl time.Duration) (bool, error)
	LockHolder(ctx context.Context, key SearchKey) (holderID string, ok bool, err error)
	ReleaseLock(ctx context.Context, key SearchKey) error
	// CheckAndIncrementRate counts one event against the per-key window and
	// reports whether it is allowed; retryAfter is the remaining cooldown on
	// denial.
	CheckAndIncrementRate(ctx context.Context, key SearchKey, limit int64, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// Strategy is one ranking strategy of the external scrape operation. A worker
// fans out every configured strategy for a key in parallel and merges the
// outputs by result id.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, key SearchKey) ([]ResultItem, error)
}

// Publisher pushes terminal job events to an event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver persists terminal jobs for operational diagnosis before the
// retention sweep deletes them from the shared store.
type Archiver interface {
	ArchiveJob(ctx context.Context, job Job) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
