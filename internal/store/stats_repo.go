package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("stats record not found")

// RunStatus mirrors the spider_runs.status column.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one crawl run.
type Run struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage is set when Status is RunError.
	ErrorMessage *string
}

// RunCounters are the per-run totals. As a write argument they are deltas.
type RunCounters struct {
	Responses int64
	Ignored   int64
	Items     int64
	Scheduled int64
	Dropped   int64
	Faults    int64
}

// IsZero reports whether every counter is zero.
func (c RunCounters) IsZero() bool {
	return c == RunCounters{}
}

// RunStats is a persisted snapshot of a run's counters.
type RunStats struct {
	RunID uuid.UUID
	RunCounters
	LastUpdate time.Time
}

// SiteStats aggregates responses per host within a run.
type SiteStats struct {
	RunID      uuid.UUID
	Site       string
	LastUpdate time.Time
	Responses  int64
	BytesTotal int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
}

// StatsRepository persists incremental run statistics.
type StatsRepository interface {
	// UpsertRunStart records the run as running. Repeated calls are harmless.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddRunCounters applies counter deltas to the run totals.
	AddRunCounters(ctx context.Context, runID uuid.UUID, delta RunCounters, at time.Time) error
	// UpsertSiteStats applies response and byte deltas for one site and status class.
	UpsertSiteStats(
		ctx context.Context,
		runID uuid.UUID,
		site string,
		deltaResponses int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error

	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// GetRunStats loads the run totals or returns ErrNotFound.
	GetRunStats(ctx context.Context, runID uuid.UUID) (RunStats, error)
	// ListRunSites returns per-site stats for one run.
	ListRunSites(ctx context.Context, runID uuid.UUID, limit, offset int) ([]SiteStats, error)
}
