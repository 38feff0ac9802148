package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clipseek/clipseek/internal/pipeline"
	"github.com/clipseek/clipseek/internal/queue"
)

// RefresherConfig tunes the popular-key auto refresher.
type RefresherConfig struct {
	// Interval is how often the refresher scans for expired popular entries.
	Interval time.Duration
	// MinSearches is the search-count threshold for a key to qualify.
	MinSearches int64
	// MaxKeysPerScan bounds how many refresh jobs a single scan may enqueue.
	MaxKeysPerScan int64
}

func (c RefresherConfig) withDefaults() RefresherConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MinSearches <= 0 {
		c.MinSearches = 5
	}
	if c.MaxKeysPerScan <= 0 {
		c.MaxKeysPerScan = 20
	}
	return c
}

// Refresher keeps popular cache entries warm: it periodically scans the most
// searched keys and re-enqueues fetches for those whose entries have expired,
// so frequent queries rarely pay a cold miss.
type Refresher struct {
	cache  pipeline.Cache
	queue  *queue.Queue
	cfg    RefresherConfig
	logger *zap.Logger
}

// NewRefresher constructs a Refresher.
func NewRefresher(cache pipeline.Cache, q *queue.Queue, cfg RefresherConfig, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{cache: cache, queue: q, cfg: cfg.withDefaults(), logger: logger}
}

// Run blocks, scanning on the configured interval until the context finishes.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Scan(ctx); err != nil {
				r.logger.Error("refresh scan failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("popular keys re-enqueued", zap.Int("count", n))
			}
		}
	}
}

// Scan runs one pass and returns how many refresh jobs it enqueued.
func (r *Refresher) Scan(ctx context.Context) (int, error) {
	keys, err := r.cache.TopByUsage(ctx, r.cfg.MinSearches, r.cfg.MaxKeysPerScan)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		live, err := r.cache.Peek(ctx, key)
		if err != nil {
			r.logger.Warn("peek failed", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		if live {
			continue
		}
		if _, ok, err := r.queue.FindWaitingByKey(ctx, key); err != nil {
			r.logger.Warn("waiting lookup failed", zap.String("key", key.String()), zap.Error(err))
			continue
		} else if ok {
			continue
		}
		if _, err := r.queue.Enqueue(ctx, key, pipeline.KindAutoRefresh); err != nil {
			r.logger.Warn("auto refresh enqueue failed", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		enqueued++
	}
	return enqueued, nil
}
