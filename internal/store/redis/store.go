// Package redis implements the shared atomic store on a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipseek/clipseek/internal/pipeline"
)

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store implements pipeline.Store against a single Redis instance. Every
// method is one server round trip, so concurrent processes coordinate through
// Redis's own atomicity.
type Store struct {
	client *redis.Client
}

// incrWithExpiry arms the window TTL only on the first increment so a steady
// stream of events cannot keep a window alive forever.
var incrWithExpiry = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

// Set writes the value, with Redis enforcing the TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetNX writes only when the key is absent.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// IncrWithExpiry increments the windowed counter at key.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWithExpiry.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr-with-expiry %s: %w", key, err)
	}
	return n, nil
}

// TTL returns the remaining lifetime of key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	if d < 0 {
		// -2 key missing, -1 no expiry.
		return 0, false, nil
	}
	return d, true, nil
}

// ZAdd inserts or rescores a member.
func (s *Store) ZAdd(ctx context.Context, set string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, set, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", set, err)
	}
	return nil
}

// ZIncrBy adjusts a member's score.
func (s *Store) ZIncrBy(ctx context.Context, set string, delta float64, member string) (float64, error) {
	score, err := s.client.ZIncrBy(ctx, set, delta, member).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zincrby %s: %w", set, err)
	}
	return score, nil
}

// ZRem removes a member, reporting whether this call removed it.
func (s *Store) ZRem(ctx context.Context, set string, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, set, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis zrem %s: %w", set, err)
	}
	return n > 0, nil
}

// ZScore returns a member's score.
func (s *Store) ZScore(ctx context.Context, set string, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, set, member).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("redis zscore %s: %w", set, err)
	}
	return score, true, nil
}

// ZRank returns the ascending rank of a member.
func (s *Store) ZRank(ctx context.Context, set string, member string) (int64, bool, error) {
	rank, err := s.client.ZRank(ctx, set, member).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("redis zrank %s: %w", set, err)
	}
	return rank, true, nil
}

// ZCard returns the member count.
func (s *Store) ZCard(ctx context.Context, set string) (int64, error) {
	n, err := s.client.ZCard(ctx, set).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard %s: %w", set, err)
	}
	return n, nil
}

// ZRangeByScore lists members within the score range, ascending.
func (s *Store) ZRangeByScore(ctx context.Context, set string, min, max float64, limit int64) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		by.Count = limit
	}
	members, err := s.client.ZRangeByScore(ctx, set, by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore %s: %w", set, err)
	}
	return members, nil
}

// ZRevRangeByScore lists members within the score range, descending.
func (s *Store) ZRevRangeByScore(ctx context.Context, set string, min, max float64, limit int64) ([]pipeline.ScoredMember, error) {
	by := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		by.Count = limit
	}
	zs, err := s.client.ZRevRangeByScoreWithScores(ctx, set, by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrangebyscore %s: %w", set, err)
	}
	out := make([]pipeline.ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, pipeline.ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
