// Package engine drives a crawl run: workers dequeue scheduled requests, fetch
// them, and push each response through the spider middleware executor. Outputs
// that survive the chain come back to the run, which stores items and
// schedules follow-up requests. A run ends when no request is queued or in
// flight, or when its context ends.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/pipeline"
	"github.com/JakeFAU/spider-pipeline/internal/progress"
	"github.com/JakeFAU/spider-pipeline/internal/queue/memory"
	"github.com/JakeFAU/spider-pipeline/internal/scheduler"
	"github.com/JakeFAU/spider-pipeline/internal/spidermw"
)

const tracerName = "github.com/JakeFAU/spider-pipeline/internal/engine"

// ItemProcessor persists items that survive the chain.
type ItemProcessor interface {
	Process(ctx context.Context, runID, sourceURL string, item crawler.Item) (pipeline.Result, error)
}

// Limiter paces fetches per site.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config bounds a run.
type Config struct {
	// Concurrency is the number of fetch workers; defaults to 4.
	Concurrency int
	// MaxRequests caps accepted requests per run; 0 means unlimited.
	MaxRequests int
	// QueueCapacity bounds queued requests per run; 0 means unbounded.
	QueueCapacity int
	// Executor configures the spider middleware executor.
	Executor spidermw.Config
}

// Deps are the engine collaborators. Events, Limiter and Tracer are optional.
type Deps struct {
	Chain   *spidermw.Chain
	Fetcher crawler.Fetcher
	Items   ItemProcessor
	Hasher  crawler.Hasher
	Clock   crawler.Clock
	Events  progress.Emitter
	Limiter Limiter
	Tracer  trace.Tracer
}

// Engine runs crawls. It holds no per-run state and is safe for concurrent use.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and builds an Engine.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Chain == nil:
		return nil, spidermw.ErrNilChain
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Items == nil:
		return nil, errors.New("item processor is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Events == nil {
		deps.Events = discard{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{deps: deps, cfg: cfg, logger: logger.Named("engine")}, nil
}

// Run crawls from seeds until the frontier is exhausted or ctx ends. Seeds go
// through the scheduler like any other request. The returned stats are valid
// even when err is non-nil.
func (e *Engine) Run(ctx context.Context, runID uuid.UUID, seeds []*crawler.Request) (crawler.RunStats, error) {
	logger := e.logger.With(zap.String("run_id", runID.String()))
	queue := memory.NewQueue(e.cfg.QueueCapacity)
	sched, err := scheduler.New(queue, e.deps.Hasher, scheduler.Config{MaxRequests: e.cfg.MaxRequests}, logger)
	if err != nil {
		return crawler.RunStats{}, fmt.Errorf("build scheduler: %w", err)
	}
	r := &run{
		id:     runID,
		deps:   e.deps,
		queue:  queue,
		sched:  sched,
		logger: logger,
	}
	reporter := &countingReporter{
		next:  progress.NewFaultReporter(runID, e.deps.Events, e.deps.Clock, logger),
		stats: &r.stats,
	}
	r.exec, err = spidermw.NewExecutor(e.deps.Chain, r, reporter, e.cfg.Executor, logger)
	if err != nil {
		return crawler.RunStats{}, fmt.Errorf("build executor: %w", err)
	}

	started := e.deps.Clock.Now()
	r.emit(progress.NewEvent(runID, progress.KindRunStart, started, ""))
	logger.Info("run started", zap.Int("seeds", len(seeds)), zap.Int("workers", e.cfg.Concurrency))

	// The seeding slot keeps the run alive until every seed is scheduled.
	r.inflight.Add(1)
	for _, seed := range seeds {
		if err := r.schedule(ctx, nil, seed); err != nil {
			break
		}
	}
	r.done()

	g, gctx := errgroup.WithContext(ctx)
	for range e.cfg.Concurrency {
		g.Go(func() error {
			return r.work(gctx)
		})
	}
	err = g.Wait()
	queue.Close()

	stats := r.stats.snapshot()
	finished := e.deps.Clock.Now()
	kind := progress.KindRunDone
	if err != nil {
		kind = progress.KindRunError
	}
	evt := progress.NewEvent(runID, kind, finished, "")
	evt.Dur = max(finished.Sub(started), 0)
	if err != nil {
		evt.Note = err.Error()
	}
	r.emit(evt)
	logger.Info("run finished",
		zap.Duration("duration", evt.Dur),
		zap.Int64("responses", stats.Responses),
		zap.Int64("items", stats.Items),
		zap.Int64("faults", stats.Faults),
		zap.Error(err),
	)
	return stats, err
}

type discard struct{}

func (discard) Emit(progress.Event) {}
