// Package postgres persists terminal jobs before the retention sweep drops
// them from the shared store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipseek/clipseek/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for archived jobs.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Archive writes terminal job rows into Postgres.
type Archive struct {
	pool  execCloser
	table string
}

// New creates a Postgres-backed Archive using the provided config.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "archived_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Archive{pool: pool, table: table}, nil
}

// NewWithPool constructs an Archive from an existing pool (primarily for
// testing).
func NewWithPool(pool execCloser, table string) (*Archive, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "archived_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Archive{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (a *Archive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// ArchiveJob inserts a terminal job row. The result payload and classified
// error are kept as JSON so past failures stay diagnosable after the shared
// store forgets the job.
func (a *Archive) ArchiveJob(ctx context.Context, job pipeline.Job) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("archive is not configured")
	}
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	resultJSON, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	var errorJSON []byte
	if job.Error != nil {
		errorJSON, err = json.Marshal(job.Error)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	platform,
	query,
	date_range,
	kind,
	state,
	attempt,
	created_at,
	started_at,
	finished_at,
	result,
	error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
) ON CONFLICT (id) DO NOTHING`, a.table)

	args := []any{
		job.ID,
		job.Key.Platform,
		job.Key.Query,
		job.Key.DateRange,
		string(job.Kind),
		string(job.State),
		job.Attempt,
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
		resultJSON,
		errorJSON,
	}
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert archived job: %w", err)
	}
	return nil
}
