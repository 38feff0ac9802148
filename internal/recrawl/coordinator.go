// Package recrawl coordinates user-triggered cache refreshes so that at most
// one refresh per search key is in flight across the fleet.
package recrawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clipseek/clipseek/internal/metrics"
	"github.com/clipseek/clipseek/internal/pipeline"
	"github.com/clipseek/clipseek/internal/queue"
)

// Config tunes the coordinator.
type Config struct {
	// RateLimit caps refreshes per key per RateWindow.
	RateLimit int64
	// RateWindow is the rolling window the limit counts against.
	RateWindow time.Duration
	// LockTTL bounds how long the per-key refresh lock can outlive a dead
	// worker before it is treated as stale.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = 3
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 10 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	return c
}

// Result reports the outcome of a refresh request.
type Result struct {
	// JobID identifies the refresh job: the one just enqueued, or the one
	// already in flight when AlreadyInProgress is set.
	JobID string `json:"job_id"`
	// AlreadyInProgress is true when an earlier refresh for the same key is
	// still running and no new job was enqueued.
	AlreadyInProgress bool `json:"already_in_progress"`
}

// Coordinator serializes refresh requests per search key.
type Coordinator struct {
	queue  *queue.Queue
	cache  pipeline.Cache
	locker pipeline.Locker
	cfg    Config
	logger *zap.Logger
}

// New constructs a Coordinator.
func New(q *queue.Queue, cache pipeline.Cache, locker pipeline.Locker, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{queue: q, cache: cache, locker: locker, cfg: cfg.withDefaults(), logger: logger}
}

// RequestRefresh handles one user refresh request for key. When a refresh for
// the same key is already running it returns that job with AlreadyInProgress
// set instead of enqueueing a duplicate. When the per-key rate cap is
// exhausted it returns a RECRAWL_RATE_LIMITED error carrying the cooldown.
func (c *Coordinator) RequestRefresh(ctx context.Context, key pipeline.SearchKey) (Result, error) {
	holder, held, err := c.locker.LockHolder(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("probe refresh lock: %w", err)
	}
	if held {
		inFlight, err := c.holderInFlight(ctx, holder)
		if err != nil {
			return Result{}, err
		}
		if inFlight {
			c.logger.Debug("refresh already in flight",
				zap.String("key", key.String()),
				zap.String("job_id", holder),
			)
			return Result{JobID: holder, AlreadyInProgress: true}, nil
		}
		// The holder finished or vanished without releasing; clear the stale
		// lock and continue as if it never existed.
		if err := c.locker.ReleaseLock(ctx, key); err != nil {
			return Result{}, fmt.Errorf("clear stale refresh lock: %w", err)
		}
		c.logger.Warn("cleared stale refresh lock",
			zap.String("key", key.String()),
			zap.String("holder", holder),
		)
	}

	allowed, retryAfter, err := c.locker.CheckAndIncrementRate(ctx, key, c.cfg.RateLimit, c.cfg.RateWindow)
	if err != nil {
		return Result{}, fmt.Errorf("check refresh rate: %w", err)
	}
	if !allowed {
		metrics.RecrawlDenied("rate_limited")
		return Result{}, pipeline.NewError(pipeline.CodeRecrawlRateLimited,
			"refresh limit reached for %s, retry in %s", key.String(), retryAfter.Round(time.Second))
	}

	if err := c.cache.Invalidate(ctx, key); err != nil {
		return Result{}, fmt.Errorf("invalidate cache: %w", err)
	}
	if superseded, err := c.queue.SupersedeWaiting(ctx, key); err != nil {
		c.logger.Warn("supersede waiting job failed", zap.String("key", key.String()), zap.Error(err))
	} else if superseded {
		c.logger.Debug("superseded waiting job", zap.String("key", key.String()))
	}

	job, err := c.queue.Enqueue(ctx, key, pipeline.KindRecrawl)
	if err != nil {
		return Result{}, fmt.Errorf("enqueue refresh: %w", err)
	}

	won, err := c.locker.TryAcquireLock(ctx, key, job.ID, c.cfg.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !won {
		// Lost a race to a concurrent request between the probe and here. The
		// other side's job covers the key; ours runs too but that is the
		// bounded cost of keeping the fast path lock-free.
		c.logger.Debug("lost refresh lock race", zap.String("key", key.String()), zap.String("job_id", job.ID))
	}

	c.logger.Info("refresh enqueued",
		zap.String("key", key.String()),
		zap.String("job_id", job.ID),
	)
	return Result{JobID: job.ID}, nil
}

// holderInFlight reports whether the lock holder's job is still non-terminal.
func (c *Coordinator) holderInFlight(ctx context.Context, jobID string) (bool, error) {
	job, err := c.queue.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load lock holder job: %w", err)
	}
	return !job.State.Terminal(), nil
}
