// Package service is the application-facing facade over the cache, the queue
// and the recrawl coordinator.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clipseek/clipseek/internal/pipeline"
	"github.com/clipseek/clipseek/internal/queue"
	"github.com/clipseek/clipseek/internal/recrawl"
	"github.com/clipseek/clipseek/internal/status"
)

// SearchOutcome is the immediate answer to a search request: either a cached
// payload served synchronously, or the id of the job that will produce one.
type SearchOutcome struct {
	// Cached is true when Items were served straight from the cache.
	Cached bool                  `json:"cached"`
	Items  []pipeline.ResultItem `json:"items,omitempty"`
	JobID  string                `json:"job_id,omitempty"`
}

// Service wires the user-facing operations together.
type Service struct {
	cache     pipeline.Cache
	queue     *queue.Queue
	recrawler *recrawl.Coordinator
	reader    *status.Reader
	logger    *zap.Logger
}

// New constructs a Service.
func New(cache pipeline.Cache, q *queue.Queue, recrawler *recrawl.Coordinator, reader *status.Reader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cache: cache, queue: q, recrawler: recrawler, reader: reader, logger: logger}
}

// Search answers one search request. A live cache entry is returned
// synchronously; otherwise a fetch job is enqueued (reusing a waiting job for
// the same key when one exists) and its id returned for polling.
func (s *Service) Search(ctx context.Context, key pipeline.SearchKey) (SearchOutcome, error) {
	if key.IsZero() {
		return SearchOutcome{}, fmt.Errorf("empty search key")
	}
	if err := s.cache.RecordSearch(ctx, key); err != nil {
		s.logger.Warn("record search failed", zap.String("key", key.String()), zap.Error(err))
	}

	items, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		return SearchOutcome{}, fmt.Errorf("cache lookup: %w", err)
	}
	if hit {
		return SearchOutcome{Cached: true, Items: items}, nil
	}

	if waiting, ok, err := s.queue.FindWaitingByKey(ctx, key); err != nil {
		s.logger.Warn("waiting lookup failed", zap.String("key", key.String()), zap.Error(err))
	} else if ok {
		return SearchOutcome{JobID: waiting.ID}, nil
	}

	job, err := s.queue.Enqueue(ctx, key, pipeline.KindNormal)
	if err != nil {
		return SearchOutcome{}, fmt.Errorf("enqueue search: %w", err)
	}
	return SearchOutcome{JobID: job.ID}, nil
}

// Status returns the polling view of a job.
func (s *Service) Status(ctx context.Context, jobID string) (status.JobStatus, error) {
	return s.reader.Status(ctx, jobID)
}

// Cancel cancels a waiting job. It reports false without error when the job
// was already claimed or finished.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	return s.queue.Cancel(ctx, jobID)
}

// Refresh handles a user request to rescrape a key, delegating to the recrawl
// coordinator's per-key lock and rate cap.
func (s *Service) Refresh(ctx context.Context, key pipeline.SearchKey) (recrawl.Result, error) {
	if key.IsZero() {
		return recrawl.Result{}, fmt.Errorf("empty search key")
	}
	return s.recrawler.RequestRefresh(ctx, key)
}

// ReportExpiredLink handles a user report that a cached media URL went dead.
// A dead link means the cached payload is stale, so the report is a refresh
// trigger: it runs through the recrawl coordinator, which invalidates the
// entry, supersedes any waiting fetch and enqueues a recrawl under the same
// per-key lock and rate cap as an explicit refresh.
func (s *Service) ReportExpiredLink(ctx context.Context, key pipeline.SearchKey) (recrawl.Result, error) {
	if key.IsZero() {
		return recrawl.Result{}, fmt.Errorf("empty search key")
	}
	res, err := s.recrawler.RequestRefresh(ctx, key)
	if err != nil {
		return recrawl.Result{}, err
	}
	s.logger.Info("expired link reported",
		zap.String("key", key.String()),
		zap.String("job_id", res.JobID),
		zap.Bool("already_in_progress", res.AlreadyInProgress),
	)
	return res, nil
}

// PopularKeys lists the most searched keys, used by the popular endpoint and
// the background refresher.
func (s *Service) PopularKeys(ctx context.Context, minSearches int64, limit int64) ([]pipeline.SearchKey, error) {
	return s.cache.TopByUsage(ctx, minSearches, limit)
}

// Stats exposes per-key cache usage counters.
type statser interface {
	Stats(ctx context.Context, key pipeline.SearchKey) (pipeline.CacheStats, error)
}

// KeyStats returns the usage counters for one key when the cache exposes
// them.
func (s *Service) KeyStats(ctx context.Context, key pipeline.SearchKey) (pipeline.CacheStats, error) {
	st, ok := s.cache.(statser)
	if !ok {
		return pipeline.CacheStats{}, fmt.Errorf("cache does not expose stats")
	}
	return st.Stats(ctx, key)
}
