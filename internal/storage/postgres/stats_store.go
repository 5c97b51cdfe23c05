// Package postgres provides Postgres-backed persistence for crawl runs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/spider-pipeline/internal/store"
)

// Schema creates the tables StatsStore writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS spider_runs (
	run_id        UUID PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS spider_run_stats (
	run_id      UUID PRIMARY KEY REFERENCES spider_runs (run_id),
	responses   BIGINT NOT NULL DEFAULT 0,
	ignored     BIGINT NOT NULL DEFAULT 0,
	items       BIGINT NOT NULL DEFAULT 0,
	scheduled   BIGINT NOT NULL DEFAULT 0,
	dropped     BIGINT NOT NULL DEFAULT 0,
	faults      BIGINT NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS spider_site_stats (
	run_id      UUID NOT NULL REFERENCES spider_runs (run_id),
	site        TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	responses   BIGINT NOT NULL DEFAULT 0,
	bytes_total BIGINT NOT NULL DEFAULT 0,
	fetch_2xx   BIGINT NOT NULL DEFAULT 0,
	fetch_3xx   BIGINT NOT NULL DEFAULT 0,
	fetch_4xx   BIGINT NOT NULL DEFAULT 0,
	fetch_5xx   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, site)
);
`

// Pool is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens a pgx pool for cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
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
	return pool, nil
}

// StatsStore implements store.StatsRepository on Postgres.
type StatsStore struct {
	pool Pool
}

var _ store.StatsRepository = (*StatsStore)(nil)

// NewStatsStore wraps an open pool.
func NewStatsStore(pool Pool) (*StatsStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &StatsStore{pool: pool}, nil
}

// Close releases the pool.
func (s *StatsStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they are missing.
func (s *StatsStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// UpsertRunStart records the run as running.
func (s *StatsStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	const query = `
INSERT INTO spider_runs (run_id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks the run finished.
func (s *StatsStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	const query = `
UPDATE spider_runs
SET finished_at = $1, status = $2, error_message = $3
WHERE run_id = $4`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// AddRunCounters applies counter deltas to the run totals.
func (s *StatsStore) AddRunCounters(ctx context.Context, runID uuid.UUID, delta store.RunCounters, at time.Time) error {
	const query = `
INSERT INTO spider_run_stats (run_id, responses, ignored, items, scheduled, dropped, faults, last_update)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id) DO UPDATE SET
	responses = spider_run_stats.responses + EXCLUDED.responses,
	ignored = spider_run_stats.ignored + EXCLUDED.ignored,
	items = spider_run_stats.items + EXCLUDED.items,
	scheduled = spider_run_stats.scheduled + EXCLUDED.scheduled,
	dropped = spider_run_stats.dropped + EXCLUDED.dropped,
	faults = spider_run_stats.faults + EXCLUDED.faults,
	last_update = GREATEST(spider_run_stats.last_update, EXCLUDED.last_update)`
	_, err := s.pool.Exec(ctx, query,
		runID,
		delta.Responses,
		delta.Ignored,
		delta.Items,
		delta.Scheduled,
		delta.Dropped,
		delta.Faults,
		at,
	)
	if err != nil {
		return fmt.Errorf("add run counters: %w", err)
	}
	return nil
}

var statusColumns = map[string]string{
	"2xx": "fetch_2xx",
	"3xx": "fetch_3xx",
	"4xx": "fetch_4xx",
	"5xx": "fetch_5xx",
}

// UpsertSiteStats applies response and byte deltas for one site.
func (s *StatsStore) UpsertSiteStats(
	ctx context.Context,
	runID uuid.UUID,
	site string,
	deltaResponses,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	column, ok := statusColumns[statusClass]
	if !ok {
		return fmt.Errorf("unknown status class %q", statusClass)
	}
	query := fmt.Sprintf(`
INSERT INTO spider_site_stats (run_id, site, last_update, responses, bytes_total, %[1]s)
VALUES ($1, $2, $3, $4, $5, $4)
ON CONFLICT (run_id, site) DO UPDATE SET
	responses = spider_site_stats.responses + EXCLUDED.responses,
	bytes_total = spider_site_stats.bytes_total + EXCLUDED.bytes_total,
	%[1]s = spider_site_stats.%[1]s + EXCLUDED.%[1]s,
	last_update = GREATEST(spider_site_stats.last_update, EXCLUDED.last_update)`, column)
	if _, err := s.pool.Exec(ctx, query, runID, site, at, deltaResponses, deltaBytes); err != nil {
		return fmt.Errorf("upsert site stats: %w", err)
	}
	return nil
}

const runColumns = `run_id, started_at, finished_at, status, error_message`

// GetRun loads one run.
func (s *StatsStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM spider_runs WHERE run_id = $1`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs filtered by optional status, newest first.
func (s *StatsStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM spider_runs
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// GetRunStats loads the run totals.
func (s *StatsStore) GetRunStats(ctx context.Context, runID uuid.UUID) (store.RunStats, error) {
	const query = `
SELECT run_id, responses, ignored, items, scheduled, dropped, faults, last_update
FROM spider_run_stats
WHERE run_id = $1`
	var stats store.RunStats
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&stats.RunID,
		&stats.Responses,
		&stats.Ignored,
		&stats.Items,
		&stats.Scheduled,
		&stats.Dropped,
		&stats.Faults,
		&stats.LastUpdate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunStats{}, store.ErrNotFound
		}
		return store.RunStats{}, fmt.Errorf("get run stats: %w", err)
	}
	return stats, nil
}

// ListRunSites returns per-site stats for one run, most recently updated first.
func (s *StatsStore) ListRunSites(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.SiteStats, error) {
	const query = `
SELECT run_id, site, last_update, responses, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx
FROM spider_site_stats
WHERE run_id = $1
ORDER BY last_update DESC
LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list run sites: %w", err)
	}
	defer rows.Close()

	var sites []store.SiteStats
	for rows.Next() {
		var stat store.SiteStats
		if err := rows.Scan(
			&stat.RunID,
			&stat.Site,
			&stat.LastUpdate,
			&stat.Responses,
			&stat.BytesTotal,
			&stat.Fetch2xx,
			&stat.Fetch3xx,
			&stat.Fetch4xx,
			&stat.Fetch5xx,
		); err != nil {
			return nil, fmt.Errorf("scan site stats row: %w", err)
		}
		sites = append(sites, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run sites: %w", err)
	}
	return sites, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(&run.RunID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.ErrorMessage)
	return run, err
}
