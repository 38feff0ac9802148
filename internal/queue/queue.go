// Package queue implements the durable, prioritized job queue on the shared
// atomic store. Jobs are JSON records; per-priority ordered sets scored by
// ready-time provide FIFO-within-priority and delayed retries; an active set
// scored by lease deadline makes crashed workers' claims reclaimable.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipseek/clipseek/internal/backoff"
	"github.com/clipseek/clipseek/internal/metrics"
	"github.com/clipseek/clipseek/internal/pipeline"
)

const (
	recordPrefix     = "jobs:rec:"
	waitingPrefix    = "jobs:waiting:"
	waitingKeyPrefix = "jobs:waitkey:"
	activeSet        = "jobs:active"
	completedIndex   = "jobs:terminal:completed"
	failedIndex      = "jobs:terminal:failed"

	claimBatch = 8
)

// RetentionConfig bounds how long terminal job records are kept. Failed jobs
// are retained longer for diagnosis. Deletion is advisory cleanup; nothing
// relies on it for correctness.
type RetentionConfig struct {
	CompletedMaxCount int64
	CompletedMaxAge   time.Duration
	FailedMaxCount    int64
	FailedMaxAge      time.Duration
}

// Config controls queue behavior.
type Config struct {
	// MaxAttempts caps executions of one job, including the first.
	MaxAttempts int
	// Lease is how long a claim holds before the job becomes reclaimable.
	Lease time.Duration
	// MaxStalledRetries bounds reclaims of a job whose lease keeps expiring,
	// preventing an infinite loop on a poison job.
	MaxStalledRetries int
	// Retry is the backoff schedule between attempts.
	Retry backoff.Policy
	// Retention bounds terminal record lifetime.
	Retention RetentionConfig
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.MaxStalledRetries <= 0 {
		c.MaxStalledRetries = 2
	}
	if c.Retry.Initial <= 0 {
		c.Retry = backoff.Default()
	}
	if c.Retention.CompletedMaxCount <= 0 {
		c.Retention.CompletedMaxCount = 1000
	}
	if c.Retention.CompletedMaxAge <= 0 {
		c.Retention.CompletedMaxAge = 24 * time.Hour
	}
	if c.Retention.FailedMaxCount <= 0 {
		c.Retention.FailedMaxCount = 5000
	}
	if c.Retention.FailedMaxAge <= 0 {
		c.Retention.FailedMaxAge = 7 * 24 * time.Hour
	}
	return c
}

// Queue is the durable work list shared by all processes.
type Queue struct {
	store    pipeline.Store
	clock    pipeline.Clock
	idGen    pipeline.IDGenerator
	archiver pipeline.Archiver
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Queue. The archiver may be nil; terminal jobs are then
// deleted without archival.
func New(store pipeline.Store, clock pipeline.Clock, idGen pipeline.IDGenerator, archiver pipeline.Archiver, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:    store,
		clock:    clock,
		idGen:    idGen,
		archiver: archiver,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// MaxAttempts exposes the configured attempt cap.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// Enqueue creates a job in waiting state and makes it claimable immediately.
// The queue performs no duplicate suppression; callers dedup via the lock.
func (q *Queue) Enqueue(ctx context.Context, key pipeline.SearchKey, kind pipeline.JobKind) (pipeline.Job, error) {
	id, err := q.idGen.NewID()
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := q.clock.Now()
	job := pipeline.Job{
		ID:        id,
		Key:       key,
		Kind:      kind,
		State:     pipeline.StateWaiting,
		CreatedAt: now,
	}
	if err := q.saveRecord(ctx, job); err != nil {
		return pipeline.Job{}, err
	}
	if err := q.store.ZAdd(ctx, waitingSet(kind.Priority()), float64(now.UnixMilli()), id); err != nil {
		return pipeline.Job{}, fmt.Errorf("enqueue job %s: %w", id, err)
	}
	if kind != pipeline.KindRecrawl {
		if err := q.store.Set(ctx, waitingKeyPrefix+key.String(), []byte(id), 0); err != nil {
			q.logger.Warn("set waiting marker failed", zap.String("job_id", id), zap.Error(err))
		}
	}
	metrics.JobEnqueued(string(kind))
	q.logger.Debug("job enqueued",
		zap.String("job_id", id),
		zap.String("key", key.String()),
		zap.String("kind", string(kind)),
	)
	return job, nil
}

// Claim pops the next ready job, highest priority class first, and leases it
// to the caller. The ZRem on the waiting set is the atomic claim: exactly one
// concurrent claimer (or canceller) wins each member.
func (q *Queue) Claim(ctx context.Context) (pipeline.Job, bool, error) {
	now := q.clock.Now()
	for _, priority := range pipeline.Priorities() {
		ids, err := q.store.ZRangeByScore(ctx, waitingSet(priority), 0, float64(now.UnixMilli()), claimBatch)
		if err != nil {
			return pipeline.Job{}, false, fmt.Errorf("scan waiting %s: %w", priority, err)
		}
		for _, id := range ids {
			won, err := q.store.ZRem(ctx, waitingSet(priority), id)
			if err != nil {
				return pipeline.Job{}, false, fmt.Errorf("claim job %s: %w", id, err)
			}
			if !won {
				continue
			}
			job, err := q.activate(ctx, id)
			if err != nil {
				q.logger.Warn("activate claimed job failed", zap.String("job_id", id), zap.Error(err))
				continue
			}
			return job, true, nil
		}
	}
	return pipeline.Job{}, false, nil
}

func (q *Queue) activate(ctx context.Context, id string) (pipeline.Job, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return pipeline.Job{}, err
	}
	if job.State.Terminal() {
		return pipeline.Job{}, fmt.Errorf("job %s already terminal (%s)", id, job.State)
	}
	now := q.clock.Now()
	job.State = pipeline.StateActive
	job.Attempt++
	job.StartedAt = &now
	if err := q.saveRecord(ctx, job); err != nil {
		return pipeline.Job{}, err
	}
	deadline := now.Add(q.cfg.Lease)
	if err := q.store.ZAdd(ctx, activeSet, float64(deadline.UnixMilli()), id); err != nil {
		return pipeline.Job{}, fmt.Errorf("lease job %s: %w", id, err)
	}
	q.clearMarker(ctx, job, id)
	return job, nil
}

// Renew extends the caller's lease on an active job.
func (q *Queue) Renew(ctx context.Context, jobID string) error {
	deadline := q.clock.Now().Add(q.cfg.Lease)
	if err := q.store.ZAdd(ctx, activeSet, float64(deadline.UnixMilli()), jobID); err != nil {
		return fmt.Errorf("renew lease %s: %w", jobID, err)
	}
	return nil
}

// ReportProgress records progress (0-100) on a non-terminal job.
func (q *Queue) ReportProgress(ctx context.Context, jobID string, progress int) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	return q.saveRecord(ctx, job)
}

// Complete marks the job completed with its payload. An empty payload
// completes with a NO_RESULTS notice so callers can message users distinctly.
// Completing an already-terminal job is a no-op.
func (q *Queue) Complete(ctx context.Context, jobID string, items []pipeline.ResultItem) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		q.logger.Debug("complete on terminal job ignored", zap.String("job_id", jobID))
		return nil
	}
	now := q.clock.Now()
	job.State = pipeline.StateCompleted
	job.Progress = 100
	job.Result = items
	job.FinishedAt = &now
	job.Error = nil
	if len(items) == 0 {
		job.Error = pipeline.NewError(pipeline.CodeNoResults, "search returned no results")
	}
	if err := q.finalize(ctx, job, completedIndex); err != nil {
		return err
	}
	metrics.JobFinished(string(job.Kind), string(pipeline.StateCompleted))
	return nil
}

// Fail records a classified failure. Transient failures with attempts left
// go back to waiting with backoff; everything else becomes terminal failed.
// Returns whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, jobID string, cause *pipeline.Error) (bool, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.State.Terminal() {
		return false, nil
	}
	if cause.Retryable() && job.Attempt < q.cfg.MaxAttempts {
		now := q.clock.Now()
		readyAt := now.Add(q.cfg.Retry.Delay(job.Attempt))
		job.State = pipeline.StateWaiting
		job.Progress = 0
		job.Error = cause
		if err := q.saveRecord(ctx, job); err != nil {
			return false, err
		}
		if _, err := q.store.ZRem(ctx, activeSet, jobID); err != nil {
			return false, fmt.Errorf("unlease job %s: %w", jobID, err)
		}
		if err := q.store.ZAdd(ctx, waitingSet(job.Kind.Priority()), float64(readyAt.UnixMilli()), jobID); err != nil {
			return false, fmt.Errorf("requeue job %s: %w", jobID, err)
		}
		q.restoreMarker(ctx, job)
		q.logger.Info("job retry scheduled",
			zap.String("job_id", jobID),
			zap.Int("attempt", job.Attempt),
			zap.Time("ready_at", readyAt),
			zap.String("error", cause.Error()),
		)
		return true, nil
	}

	now := q.clock.Now()
	job.State = pipeline.StateFailed
	job.Error = cause
	job.FinishedAt = &now
	if err := q.finalize(ctx, job, failedIndex); err != nil {
		return false, err
	}
	metrics.JobFinished(string(job.Kind), string(pipeline.StateFailed))
	q.logger.Warn("job failed terminally",
		zap.String("job_id", jobID),
		zap.Int("attempt", job.Attempt),
		zap.String("error", cause.Error()),
	)
	return false, nil
}

// Cancel removes a waiting job from the queue, transitioning it to terminal
// cancelled. Active and terminal jobs are not cancellable; the call reports
// whether it took effect.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	return q.cancel(ctx, jobID, "")
}

func (q *Queue) cancel(ctx context.Context, jobID, reason string) (bool, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.State != pipeline.StateWaiting {
		return false, nil
	}
	won, err := q.store.ZRem(ctx, waitingSet(job.Kind.Priority()), jobID)
	if err != nil {
		return false, fmt.Errorf("remove waiting job %s: %w", jobID, err)
	}
	if !won {
		// A concurrent claim got there first.
		return false, nil
	}
	now := q.clock.Now()
	job.State = pipeline.StateCancelled
	job.FinishedAt = &now
	job.Error = nil
	if reason != "" {
		job.Error = pipeline.NewError(pipeline.CodeProviderError, "%s", reason)
	}
	q.clearMarker(ctx, job, jobID)
	if err := q.finalize(ctx, job, completedIndex); err != nil {
		return false, err
	}
	metrics.JobFinished(string(job.Kind), string(pipeline.StateCancelled))
	return true, nil
}

// FindWaitingByKey returns the waiting non-recrawl job for a key, if any.
// The marker behind it is best-effort; callers must tolerate staleness.
func (q *Queue) FindWaitingByKey(ctx context.Context, key pipeline.SearchKey) (pipeline.Job, bool, error) {
	value, ok, err := q.store.Get(ctx, waitingKeyPrefix+key.String())
	if err != nil {
		return pipeline.Job{}, false, fmt.Errorf("read waiting marker %s: %w", key, err)
	}
	if !ok {
		return pipeline.Job{}, false, nil
	}
	job, err := q.Get(ctx, string(value))
	if err != nil {
		return pipeline.Job{}, false, nil
	}
	if job.State != pipeline.StateWaiting {
		return pipeline.Job{}, false, nil
	}
	return job, true, nil
}

// SupersedeWaiting cancels the waiting non-recrawl job for key, if present.
// A recrawl supersedes a plain cache-miss fetch for the same key.
func (q *Queue) SupersedeWaiting(ctx context.Context, key pipeline.SearchKey) (bool, error) {
	job, ok, err := q.FindWaitingByKey(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return q.cancel(ctx, job.ID, "superseded by recrawl")
}

// Get loads a job record.
func (q *Queue) Get(ctx context.Context, jobID string) (pipeline.Job, error) {
	data, ok, err := q.store.Get(ctx, recordPrefix+jobID)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return pipeline.Job{}, pipeline.ErrJobNotFound
	}
	var job pipeline.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return pipeline.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

// Position approximates how many jobs wait ahead of the job in its priority
// class. The queue mutates continuously, so the value may be stale.
func (q *Queue) Position(ctx context.Context, job pipeline.Job) (int64, bool, error) {
	rank, ok, err := q.store.ZRank(ctx, waitingSet(job.Kind.Priority()), job.ID)
	if err != nil {
		return 0, false, fmt.Errorf("queue position %s: %w", job.ID, err)
	}
	return rank, ok, nil
}

func (q *Queue) finalize(ctx context.Context, job pipeline.Job, index string) error {
	if err := q.saveRecord(ctx, job); err != nil {
		return err
	}
	if _, err := q.store.ZRem(ctx, activeSet, job.ID); err != nil {
		return fmt.Errorf("unlease job %s: %w", job.ID, err)
	}
	finishedAt := q.clock.Now()
	if job.FinishedAt != nil {
		finishedAt = *job.FinishedAt
	}
	if err := q.store.ZAdd(ctx, index, float64(finishedAt.UnixMilli()), job.ID); err != nil {
		return fmt.Errorf("index terminal job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) saveRecord(ctx context.Context, job pipeline.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := q.store.Set(ctx, recordPrefix+job.ID, data, 0); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// clearMarker drops the waiting marker when it still points at this job.
func (q *Queue) clearMarker(ctx context.Context, job pipeline.Job, id string) {
	if job.Kind == pipeline.KindRecrawl {
		return
	}
	value, ok, err := q.store.Get(ctx, waitingKeyPrefix+job.Key.String())
	if err != nil || !ok || string(value) != id {
		return
	}
	if err := q.store.Del(ctx, waitingKeyPrefix+job.Key.String()); err != nil {
		q.logger.Warn("clear waiting marker failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (q *Queue) restoreMarker(ctx context.Context, job pipeline.Job) {
	if job.Kind == pipeline.KindRecrawl {
		return
	}
	if err := q.store.Set(ctx, waitingKeyPrefix+job.Key.String(), []byte(job.ID), 0); err != nil {
		q.logger.Warn("restore waiting marker failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func waitingSet(p pipeline.Priority) string {
	return waitingPrefix + string(p)
}
