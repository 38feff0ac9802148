package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, "archived_jobs", cfg.Postgres.Table)
	require.Equal(t, 6*time.Hour, cfg.Cache.TTL)
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Equal(t, 2*time.Minute, cfg.Queue.Lease)
	require.Equal(t, 4, cfg.Worker.Count)
	require.Equal(t, 2.0, cfg.Worker.RatePerSecond)
	require.Equal(t, int64(3), cfg.Recrawl.RateLimit)
	require.Equal(t, 10*time.Minute, cfg.Recrawl.RateWindow)
	require.True(t, cfg.Refresh.Enabled)
	require.Empty(t, cfg.Scrape)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9090
redis:
  addr: redis:6379
worker:
  count: 2
  rate_per_second: 1.5
scrape:
  - name: keyword-search
    base_url: https://actors.example.com
    actor_id: actor-1
    token: tok
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Worker.Count)
	require.Equal(t, 1.5, cfg.Worker.RatePerSecond)
	require.Len(t, cfg.Scrape, 1)
	require.Equal(t, "actor-1", cfg.Scrape[0].ActorID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"missing redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"zero workers", func(c *Config) { c.Worker.Count = 0 }},
		{"zero rate", func(c *Config) { c.Worker.RatePerSecond = 0 }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
		{"archive without dsn", func(c *Config) { c.Postgres.Enabled = true; c.Postgres.DSN = "" }},
		{"pubsub without project", func(c *Config) { c.PubSub.Enabled = true; c.PubSub.TopicName = "jobs" }},
		{"scrape missing actor id", func(c *Config) {
			c.Scrape = []StrategyConfig{{Name: "keyword-search", BaseURL: "https://actors.example.com"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
