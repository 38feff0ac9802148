// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig     `mapstructure:"server"`
	Auth     AuthConfig       `mapstructure:"auth"`
	Redis    RedisConfig      `mapstructure:"redis"`
	Postgres PostgresConfig   `mapstructure:"postgres"`
	PubSub   PubSubConfig     `mapstructure:"pubsub"`
	Cache    CacheConfig      `mapstructure:"cache"`
	Queue    QueueConfig      `mapstructure:"queue"`
	Worker   WorkerConfig     `mapstructure:"worker"`
	Recrawl  RecrawlConfig    `mapstructure:"recrawl"`
	Refresh  RefreshConfig    `mapstructure:"refresh"`
	Scrape   []StrategyConfig `mapstructure:"scrape"`
	Logging  LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RedisConfig points at the shared store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig controls the terminal-job archive.
type PostgresConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for terminal job event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	L1Capacity int           `mapstructure:"l1_capacity"`
}

// QueueConfig tunes the job queue and its maintenance loop.
type QueueConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	Lease               time.Duration `mapstructure:"lease"`
	MaxStalledRetries   int           `mapstructure:"max_stalled_retries"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	CompletedRetention  time.Duration `mapstructure:"completed_retention"`
	FailedRetention     time.Duration `mapstructure:"failed_retention"`
	CompletedMaxCount   int64         `mapstructure:"completed_max_count"`
	FailedMaxCount      int64         `mapstructure:"failed_max_count"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Count                 int           `mapstructure:"count"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	StrategyTimeout       time.Duration `mapstructure:"strategy_timeout"`
	MaxParallelStrategies int           `mapstructure:"max_parallel_strategies"`
	RatePerSecond         float64       `mapstructure:"rate_per_second"`
	RateBurst             int           `mapstructure:"rate_burst"`
}

// RecrawlConfig tunes user-triggered refreshes.
type RecrawlConfig struct {
	RateLimit  int64         `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

// RefreshConfig tunes the popular-key auto refresher.
type RefreshConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	MinSearches    int64         `mapstructure:"min_searches"`
	MaxKeysPerScan int64         `mapstructure:"max_keys_per_scan"`
}

// StrategyConfig declares one remote scrape strategy.
type StrategyConfig struct {
	Name     string        `mapstructure:"name"`
	BaseURL  string        `mapstructure:"base_url"`
	ActorID  string        `mapstructure:"actor_id"`
	Token    string        `mapstructure:"token"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
	MaxItems int           `mapstructure:"max_items"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLIPSEEK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("postgres.table", "archived_jobs")
	v.SetDefault("cache.ttl", "6h")
	v.SetDefault("cache.l1_capacity", 256)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.lease", "2m")
	v.SetDefault("queue.max_stalled_retries", 2)
	v.SetDefault("queue.maintenance_interval", "30s")
	v.SetDefault("queue.completed_retention", "24h")
	v.SetDefault("queue.failed_retention", "72h")
	v.SetDefault("queue.completed_max_count", 1000)
	v.SetDefault("queue.failed_max_count", 1000)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.strategy_timeout", "90s")
	v.SetDefault("worker.max_parallel_strategies", 3)
	v.SetDefault("worker.rate_per_second", 2.0)
	v.SetDefault("worker.rate_burst", 4)
	v.SetDefault("recrawl.rate_limit", 3)
	v.SetDefault("recrawl.rate_window", "10m")
	v.SetDefault("recrawl.lock_ttl", "5m")
	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.interval", "5m")
	v.SetDefault("refresh.min_searches", 5)
	v.SetDefault("refresh.max_keys_per_scan", 20)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.RatePerSecond <= 0 {
		return fmt.Errorf("worker.rate_per_second must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must be set when the archive is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when publishing is enabled")
	}
	for i, s := range c.Scrape {
		if s.Name == "" || s.BaseURL == "" || s.ActorID == "" {
			return fmt.Errorf("scrape[%d]: name, base_url and actor_id are required", i)
		}
	}
	return nil
}
