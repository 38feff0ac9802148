package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clipseek/clipseek/internal/metrics"
	"github.com/clipseek/clipseek/internal/pipeline"
)

// RunMaintenance loops the stalled-job reclaim and the retention sweep until
// the context finishes. Every process may run it; all operations are safe
// under concurrent sweepers.
func (q *Queue) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ReclaimStalled(ctx); err != nil {
				q.logger.Error("stalled reclaim failed", zap.Error(err))
			}
			if err := q.Sweep(ctx); err != nil {
				q.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// ReclaimStalled returns jobs with expired leases to the waiting queue, up to
// MaxStalledRetries per job; beyond that, or when the expired claim was the
// job's last allowed attempt, the job is failed permanently. Returns how many
// jobs were requeued.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	now := q.clock.Now()
	ids, err := q.store.ZRangeByScore(ctx, activeSet, 0, float64(now.UnixMilli()), 0)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, id := range ids {
		won, err := q.store.ZRem(ctx, activeSet, id)
		if err != nil {
			return reclaimed, err
		}
		if !won {
			continue
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			q.logger.Warn("stalled job record missing", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if job.State.Terminal() {
			continue
		}
		job.StalledCount++
		if job.StalledCount > q.cfg.MaxStalledRetries {
			finishedAt := q.clock.Now()
			job.State = pipeline.StateFailed
			job.FinishedAt = &finishedAt
			job.Error = pipeline.NewError(pipeline.CodeProviderError,
				"lease expired %d times without completion", job.StalledCount)
			if err := q.finalize(ctx, job, failedIndex); err != nil {
				return reclaimed, err
			}
			metrics.JobFinished(string(job.Kind), string(pipeline.StateFailed))
			q.logger.Warn("poison job failed permanently", zap.String("job_id", id))
			continue
		}
		// The claim already spent this job's last attempt; requeueing would
		// activate it past the cap.
		if job.Attempt >= q.cfg.MaxAttempts {
			finishedAt := q.clock.Now()
			job.State = pipeline.StateFailed
			job.FinishedAt = &finishedAt
			job.Error = pipeline.NewError(pipeline.CodeProviderError,
				"lease expired on final attempt %d of %d", job.Attempt, q.cfg.MaxAttempts)
			if err := q.finalize(ctx, job, failedIndex); err != nil {
				return reclaimed, err
			}
			metrics.JobFinished(string(job.Kind), string(pipeline.StateFailed))
			q.logger.Warn("stalled job out of attempts",
				zap.String("job_id", id),
				zap.Int("attempt", job.Attempt),
			)
			continue
		}
		job.State = pipeline.StateWaiting
		job.Progress = 0
		if err := q.saveRecord(ctx, job); err != nil {
			return reclaimed, err
		}
		if err := q.store.ZAdd(ctx, waitingSet(job.Kind.Priority()), float64(now.UnixMilli()), id); err != nil {
			return reclaimed, err
		}
		q.restoreMarker(ctx, job)
		metrics.JobReclaimed()
		q.logger.Info("stalled job reclaimed",
			zap.String("job_id", id),
			zap.Int("stalled_count", job.StalledCount),
		)
		reclaimed++
	}
	return reclaimed, nil
}

// Sweep deletes terminal job records past their retention bounds, archiving
// them first when an archiver is configured.
func (q *Queue) Sweep(ctx context.Context) error {
	now := q.clock.Now()
	if err := q.sweepIndex(ctx, completedIndex, q.cfg.Retention.CompletedMaxCount, q.cfg.Retention.CompletedMaxAge, now); err != nil {
		return err
	}
	return q.sweepIndex(ctx, failedIndex, q.cfg.Retention.FailedMaxCount, q.cfg.Retention.FailedMaxAge, now)
}

func (q *Queue) sweepIndex(ctx context.Context, index string, maxCount int64, maxAge time.Duration, now time.Time) error {
	// Age bound: everything finished before the cutoff.
	cutoff := float64(now.Add(-maxAge).UnixMilli())
	expired, err := q.store.ZRangeByScore(ctx, index, 0, cutoff, 0)
	if err != nil {
		return err
	}
	for _, id := range expired {
		q.deleteTerminal(ctx, index, id)
	}

	// Count bound: drop oldest overflow.
	card, err := q.store.ZCard(ctx, index)
	if err != nil {
		return err
	}
	if card <= maxCount {
		return nil
	}
	oldest, err := q.store.ZRangeByScore(ctx, index, 0, float64(now.UnixMilli()), card-maxCount)
	if err != nil {
		return err
	}
	for _, id := range oldest {
		q.deleteTerminal(ctx, index, id)
	}
	return nil
}

func (q *Queue) deleteTerminal(ctx context.Context, index, id string) {
	if q.archiver != nil {
		if job, err := q.Get(ctx, id); err == nil {
			if err := q.archiver.ArchiveJob(ctx, job); err != nil {
				q.logger.Warn("archive terminal job failed", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
	if err := q.store.Del(ctx, recordPrefix+id); err != nil {
		q.logger.Warn("delete terminal record failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if _, err := q.store.ZRem(ctx, index, id); err != nil {
		q.logger.Warn("unindex terminal record failed", zap.String("job_id", id), zap.Error(err))
	}
}
