// Package worker implements the scrape job execution loop.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/clipseek/clipseek/internal/metrics"
	"github.com/clipseek/clipseek/internal/pipeline"
	"github.com/clipseek/clipseek/internal/queue"
)

// Config controls Worker behavior.
type Config struct {
	// CacheTTL is applied to every payload written on job completion.
	CacheTTL time.Duration
	// StrategyTimeout bounds each parallel sub-strategy call.
	StrategyTimeout time.Duration
	// MaxParallelStrategies bounds sub-strategy fan-out per job.
	MaxParallelStrategies int
	// PollInterval is the idle wait between claim attempts on an empty queue.
	PollInterval time.Duration
	// Topic receives terminal job events; empty disables publishing.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 6 * time.Hour
	}
	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = 90 * time.Second
	}
	if c.MaxParallelStrategies <= 0 {
		c.MaxParallelStrategies = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Worker claims queued jobs and executes the scrape pipeline for each. The
// limiter passed in is shared by the whole pool: it caps external provider
// calls per second globally, independent of how many workers run or how many
// strategies each job fans out to.
type Worker struct {
	queue      *queue.Queue
	cache      pipeline.Cache
	locker     pipeline.Locker
	strategies []pipeline.Strategy
	limiter    *rate.Limiter
	publisher  pipeline.Publisher
	clock      pipeline.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	q *queue.Queue,
	cache pipeline.Cache,
	locker pipeline.Locker,
	strategies []pipeline.Strategy,
	limiter *rate.Limiter,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:      q,
		cache:      cache,
		locker:     locker,
		strategies: strategies,
		limiter:    limiter,
		publisher:  publisher,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Run blocks, claiming and executing jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := w.queue.Claim(ctx)
		if err != nil {
			w.logger.Error("claim failed", zap.Error(err))
			w.idle(ctx)
			continue
		}
		if !ok {
			w.idle(ctx)
			continue
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) processJob(ctx context.Context, job pipeline.Job) {
	metrics.WorkerActive(1)
	defer metrics.WorkerActive(-1)

	w.logger.Debug("job claimed",
		zap.String("job_id", job.ID),
		zap.String("key", job.Key.String()),
		zap.Int("attempt", job.Attempt),
	)
	if err := w.queue.ReportProgress(ctx, job.ID, 10); err != nil {
		w.logger.Warn("progress report failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	start := w.clock.Now()
	items, err := w.fetch(ctx, job.Key)
	elapsed := w.clock.Now().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-fetch; the lease expires and another worker reclaims.
			w.logger.Warn("fetch aborted", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		classified := pipeline.Classify(err)
		metrics.ObserveScrape(job.Key.Platform, string(classified.Code), elapsed)
		w.logger.Error("scrape failed",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key.String()),
			zap.String("code", string(classified.Code)),
			zap.Error(err),
		)
		retried, failErr := w.queue.Fail(ctx, job.ID, classified)
		if failErr != nil {
			w.logger.Error("record failure failed", zap.String("job_id", job.ID), zap.Error(failErr))
			return
		}
		if !retried {
			w.finishTerminal(ctx, job, pipeline.StateFailed, classified)
		}
		return
	}
	metrics.ObserveScrape(job.Key.Platform, "ok", elapsed)

	if err := w.queue.Renew(ctx, job.ID); err != nil {
		w.logger.Warn("lease renew failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	if len(items) > 0 {
		if err := w.cache.Set(ctx, job.Key, items, w.cfg.CacheTTL); err != nil {
			// The payload is in hand; a cache write failure should not burn
			// the external call. Complete anyway, the next miss refetches.
			w.logger.Error("cache write failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if err := w.queue.Complete(ctx, job.ID, items); err != nil {
		w.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("key", job.Key.String()),
		zap.Int("items", len(items)),
		zap.Duration("elapsed", elapsed),
	)
	w.finishTerminal(ctx, job, pipeline.StateCompleted, nil)
}

// fetch fans out every configured strategy for the key in parallel, bounded
// by MaxParallelStrategies, and merges the outputs keeping first-seen order.
// One strategy's results are enough; the job errors only when all fail.
func (w *Worker) fetch(ctx context.Context, key pipeline.SearchKey) ([]pipeline.ResultItem, error) {
	if len(w.strategies) == 0 {
		return nil, pipeline.NewError(pipeline.CodeProviderError, "no scrape strategies configured")
	}

	sem := semaphore.NewWeighted(int64(w.cfg.MaxParallelStrategies))
	g, gctx := errgroup.WithContext(ctx)
	results := make([][]pipeline.ResultItem, len(w.strategies))
	errs := make([]error, len(w.strategies))
	var mu sync.Mutex

	for i, strategy := range w.strategies {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("acquire strategy slot: %w", err)
			}
			defer sem.Release(1)

			// The ceiling counts individual provider calls, so a fan-out of N
			// strategies draws N tokens.
			if err := w.limiter.Wait(gctx); err != nil {
				return fmt.Errorf("rate wait: %w", err)
			}

			callCtx, cancel := context.WithTimeout(gctx, w.cfg.StrategyTimeout)
			defer cancel()

			items, err := strategy.Fetch(callCtx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[i] = fmt.Errorf("strategy %s: %w", strategy.Name(), err)
				w.logger.Warn("strategy failed",
					zap.String("strategy", strategy.Name()),
					zap.String("key", key.String()),
					zap.Error(err),
				)
				return nil
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeByID(results)
	if len(merged) == 0 {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}
	return merged, nil
}

// mergeByID deduplicates strategy outputs by result id, keeping the order in
// which items were first seen across strategies.
func mergeByID(results [][]pipeline.ResultItem) []pipeline.ResultItem {
	seen := make(map[string]struct{})
	var merged []pipeline.ResultItem
	for _, items := range results {
		for _, item := range items {
			if item.ID == "" {
				continue
			}
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			merged = append(merged, item)
		}
	}
	return merged
}

// finishTerminal releases the per-key refresh lock for recrawl jobs and
// publishes the terminal event.
func (w *Worker) finishTerminal(ctx context.Context, job pipeline.Job, state pipeline.JobState, cause *pipeline.Error) {
	if job.Kind == pipeline.KindRecrawl && w.locker != nil {
		if err := w.locker.ReleaseLock(ctx, job.Key); err != nil {
			w.logger.Warn("release refresh lock failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"job_id":    job.ID,
		"key":       job.Key.String(),
		"kind":      string(job.Kind),
		"state":     string(state),
		"timestamp": w.clock.Now().Format(time.RFC3339),
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("publish terminal event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
