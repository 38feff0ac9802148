// Package memory provides an in-process Store for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clipseek/clipseek/internal/pipeline"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Store implements pipeline.Store with plain maps guarded by one mutex. It
// honors per-key TTLs lazily on read and is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	kv    map[string]entry
	zsets map[string]map[string]float64
	clock pipeline.Clock
}

// New constructs an empty Store using the provided clock.
func New(clock pipeline.Clock) *Store {
	return &Store{
		kv:    make(map[string]entry),
		zsets: make(map[string]map[string]float64),
		clock: clock,
	}
}

func (s *Store) live(e entry) bool {
	return e.expiresAt.IsZero() || s.clock.Now().Before(e.expiresAt)
}

// Get returns the value at key if present and unexpired.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !s.live(e) {
		delete(s.kv, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set writes the value with an optional TTL.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = s.newEntry(value, ttl)
	return nil
}

// SetNX writes only when the key is absent or expired.
func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.kv[key]; ok && s.live(e) {
		return false, nil
	}
	s.kv[key] = s.newEntry(value, ttl)
	return true, nil
}

// Del removes keys.
func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
	}
	return nil
}

// IncrWithExpiry increments the counter at key, arming the window expiry on
// the first increment.
func (s *Store) IncrWithExpiry(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok || !s.live(e) {
		s.kv[key] = entry{value: encodeInt(1), expiresAt: s.clock.Now().Add(window)}
		return 1, nil
	}
	n := decodeInt(e.value) + 1
	e.value = encodeInt(n)
	s.kv[key] = e
	return n, nil
}

// TTL returns the remaining lifetime of key.
func (s *Store) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok || !s.live(e) || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(s.clock.Now()), true, nil
}

// ZAdd inserts or rescores a member.
func (s *Store) ZAdd(_ context.Context, set string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[set]
	if !ok {
		z = make(map[string]float64)
		s.zsets[set] = z
	}
	z[member] = score
	return nil
}

// ZIncrBy adjusts a member's score.
func (s *Store) ZIncrBy(_ context.Context, set string, delta float64, member string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[set]
	if !ok {
		z = make(map[string]float64)
		s.zsets[set] = z
	}
	z[member] += delta
	return z[member], nil
}

// ZRem removes a member, reporting whether it existed.
func (s *Store) ZRem(_ context.Context, set string, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[set]
	if !ok {
		return false, nil
	}
	if _, present := z[member]; !present {
		return false, nil
	}
	delete(z, member)
	return true, nil
}

// ZScore returns a member's score.
func (s *Store) ZScore(_ context.Context, set string, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[set]
	if !ok {
		return 0, false, nil
	}
	score, present := z[member]
	return score, present, nil
}

// ZRank returns the ascending rank of a member.
func (s *Store) ZRank(_ context.Context, set string, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[set]
	if !ok {
		return 0, false, nil
	}
	score, present := z[member]
	if !present {
		return 0, false, nil
	}
	var rank int64
	for m, sc := range z {
		if sc < score || (sc == score && m < member) {
			rank++
		}
	}
	return rank, true, nil
}

// ZCard returns the member count.
func (s *Store) ZCard(_ context.Context, set string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[set])), nil
}

// ZRangeByScore lists members within the score range, ascending.
func (s *Store) ZRangeByScore(_ context.Context, set string, min, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedRange(set, min, max, false)
	if limit > 0 && int64(len(members)) > limit {
		members = members[:limit]
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Member
	}
	return out, nil
}

// ZRevRangeByScore lists members within the score range, descending, with scores.
func (s *Store) ZRevRangeByScore(_ context.Context, set string, min, max float64, limit int64) ([]pipeline.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedRange(set, min, max, true)
	if limit > 0 && int64(len(members)) > limit {
		members = members[:limit]
	}
	return members, nil
}

func (s *Store) sortedRange(set string, min, max float64, desc bool) []pipeline.ScoredMember {
	z := s.zsets[set]
	members := make([]pipeline.ScoredMember, 0, len(z))
	for m, sc := range z {
		if sc >= min && sc <= max {
			members = append(members, pipeline.ScoredMember{Member: m, Score: sc})
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			if desc {
				return members[i].Score > members[j].Score
			}
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members
}

func (s *Store) newEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	return e
}

func encodeInt(n int64) []byte {
	out := make([]byte, 0, 8)
	for i := 56; i >= 0; i -= 8 {
		out = append(out, byte(n>>uint(i)))
	}
	return out
}

func decodeInt(b []byte) int64 {
	var n int64
	for _, v := range b {
		n = n<<8 | int64(v)
	}
	return n
}
