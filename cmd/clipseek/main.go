// Package main wires together the clipseek search pipeline service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clipseek/clipseek/internal/api"
	archivepg "github.com/clipseek/clipseek/internal/archive/postgres"
	"github.com/clipseek/clipseek/internal/cache"
	"github.com/clipseek/clipseek/internal/clock/system"
	"github.com/clipseek/clipseek/internal/config"
	"github.com/clipseek/clipseek/internal/id/uuid"
	"github.com/clipseek/clipseek/internal/logging"
	"github.com/clipseek/clipseek/internal/metrics"
	"github.com/clipseek/clipseek/internal/pipeline"
	memorypublisher "github.com/clipseek/clipseek/internal/publisher/memory"
	pubsubpublisher "github.com/clipseek/clipseek/internal/publisher/pubsub"
	"github.com/clipseek/clipseek/internal/queue"
	"github.com/clipseek/clipseek/internal/ratelimit"
	"github.com/clipseek/clipseek/internal/recrawl"
	"github.com/clipseek/clipseek/internal/scrape"
	"github.com/clipseek/clipseek/internal/service"
	"github.com/clipseek/clipseek/internal/status"
	redisstore "github.com/clipseek/clipseek/internal/store/redis"
	"github.com/clipseek/clipseek/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close() //nolint:errcheck // best-effort close
	store := redisstore.NewWithClient(redisClient)

	clock := system.New()
	idGen := uuid.NewUUIDGenerator()

	var archiver pipeline.Archiver
	if cfg.Postgres.Enabled {
		archive, err := archivepg.New(ctx, archivepg.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			logger.Fatal("archive init failed", zap.Error(err))
		}
		defer archive.Close()
		archiver = archive
	}

	var publisher pipeline.Publisher = memorypublisher.New()
	if cfg.PubSub.Enabled {
		psClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer psClient.Close() //nolint:errcheck // best-effort close
		psPublisher := pubsubpublisher.New(psClient)
		defer psPublisher.Stop()
		publisher = psPublisher
	}

	resultCache := cache.New(store, clock, cache.Config{L1Capacity: cfg.Cache.L1Capacity}, logger.Named("cache"))
	locker := ratelimit.New(store)
	jobQueue := queue.New(store, clock, idGen, archiver, queue.Config{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		Lease:             cfg.Queue.Lease,
		MaxStalledRetries: cfg.Queue.MaxStalledRetries,
		Retention: queue.RetentionConfig{
			CompletedMaxAge:   cfg.Queue.CompletedRetention,
			FailedMaxAge:      cfg.Queue.FailedRetention,
			CompletedMaxCount: cfg.Queue.CompletedMaxCount,
			FailedMaxCount:    cfg.Queue.FailedMaxCount,
		},
	}, logger.Named("queue"))

	strategies := make([]pipeline.Strategy, 0, len(cfg.Scrape))
	for _, sc := range cfg.Scrape {
		strategies = append(strategies, scrape.NewActor(scrape.Config{
			Name:     sc.Name,
			BaseURL:  sc.BaseURL,
			ActorID:  sc.ActorID,
			Token:    sc.Token,
			MaxWait:  sc.MaxWait,
			MaxItems: sc.MaxItems,
		}, nil, logger.Named("scrape")))
	}
	if len(strategies) == 0 {
		logger.Warn("no scrape strategies configured, jobs will fail")
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Worker.RatePerSecond), cfg.Worker.RateBurst)
	workerCfg := worker.Config{
		CacheTTL:              cfg.Cache.TTL,
		StrategyTimeout:       cfg.Worker.StrategyTimeout,
		MaxParallelStrategies: cfg.Worker.MaxParallelStrategies,
		PollInterval:          cfg.Worker.PollInterval,
		Topic:                 cfg.PubSub.TopicName,
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Count; i++ {
		w := worker.New(
			jobQueue,
			resultCache,
			locker,
			strategies,
			limiter,
			publisher,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		jobQueue.RunMaintenance(ctx, cfg.Queue.MaintenanceInterval)
	}()

	if cfg.Refresh.Enabled {
		refresher := service.NewRefresher(resultCache, jobQueue, service.RefresherConfig{
			Interval:       cfg.Refresh.Interval,
			MinSearches:    cfg.Refresh.MinSearches,
			MaxKeysPerScan: cfg.Refresh.MaxKeysPerScan,
		}, logger.Named("refresher"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			refresher.Run(ctx)
		}()
	}

	coordinator := recrawl.New(jobQueue, resultCache, locker, recrawl.Config{
		RateLimit:  cfg.Recrawl.RateLimit,
		RateWindow: cfg.Recrawl.RateWindow,
		LockTTL:    cfg.Recrawl.LockTTL,
	}, logger.Named("recrawl"))
	reader := status.NewReader(jobQueue)
	svc := service.New(resultCache, jobQueue, coordinator, reader, logger.Named("service"))

	ready := func(ctx context.Context) error {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		return nil
	}
	apiCfg := api.Config{RequestTimeout: cfg.Server.RequestTimeout}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(svc, ready, apiCfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	logger.Info("shutdown complete")
}
