// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// SearchKey identifies one logical search: a platform, a normalized query and a
// date range. Two requests that normalize to the same key share one cache entry.
type SearchKey struct {
	Platform  string `json:"platform"`
	Query     string `json:"query"`
	DateRange string `json:"date_range"`
}

// NewSearchKey builds a normalized key (case-folded, whitespace-trimmed).
func NewSearchKey(platform, query, dateRange string) SearchKey {
	return SearchKey{
		Platform:  strings.ToLower(strings.TrimSpace(platform)),
		Query:     strings.ToLower(strings.TrimSpace(query)),
		DateRange: strings.ToLower(strings.TrimSpace(dateRange)),
	}
}

// String renders the key in its canonical wire form.
func (k SearchKey) String() string {
	return k.Platform + "|" + k.Query + "|" + k.DateRange
}

// IsZero reports whether the key carries no platform or query.
func (k SearchKey) IsZero() bool {
	return k.Platform == "" && k.Query == ""
}

// ParseSearchKey reverses SearchKey.String.
func ParseSearchKey(s string) (SearchKey, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return SearchKey{}, fmt.Errorf("malformed search key %q", s)
	}
	return SearchKey{Platform: parts[0], Query: parts[1], DateRange: parts[2]}, nil
}

// ResultItem is one video in a search payload. The pipeline treats it as
// opaque apart from ID, which drives merge deduplication.
type ResultItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	MediaURL    string    `json:"media_url"`
	CoverURL    string    `json:"cover_url,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Views       int64     `json:"views,omitempty"`
	Likes       int64     `json:"likes,omitempty"`
}

// JobKind distinguishes why a job was enqueued.
type JobKind string

// Job kinds. Recrawl jobs run at high priority; the other two share the
// normal priority class.
const (
	KindNormal      JobKind = "normal"
	KindRecrawl     JobKind = "recrawl"
	KindAutoRefresh JobKind = "auto-refresh"
)

// Priority returns the queue priority class for the kind.
func (k JobKind) Priority() Priority {
	if k == KindRecrawl {
		return PriorityHigh
	}
	return PriorityNormal
}

// Priority is a queue priority class. Ordering is FIFO within a class only.
type Priority string

// Priority classes, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Priorities lists all classes in claim order.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityNormal}
}

// JobState represents the lifecycle state of a scrape job.
type JobState string

// Job states. Completed, failed and cancelled are terminal: a job never
// transitions out of them.
const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job is one unit of scrape work persisted in the shared store.
type Job struct {
	ID           string       `json:"id"`
	Key          SearchKey    `json:"key"`
	Kind         JobKind      `json:"kind"`
	State        JobState     `json:"state"`
	Progress     int          `json:"progress"`
	Attempt      int          `json:"attempt"`
	StalledCount int          `json:"stalled_count,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Result       []ResultItem `json:"result,omitempty"`
	Error        *Error       `json:"error,omitempty"`
}

// CacheStats carries the usage counters kept alongside a cache entry.
type CacheStats struct {
	AccessCount    int64     `json:"access_count"`
	SearchCount    int64     `json:"search_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}
