// Package dispatcher starts crawl runs and tracks their lifecycle.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

var (
	// ErrNoSeeds is returned when a run is submitted without URLs.
	ErrNoSeeds = errors.New("at least one seed URL required")
	// ErrInvalidSeed wraps seed URLs the spider rejects.
	ErrInvalidSeed = errors.New("invalid seed")
	// ErrRunFinished is returned when canceling a run that already ended.
	ErrRunFinished = errors.New("run already finished")
	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("dispatcher shutting down")
)

// Engine executes one crawl to completion.
type Engine interface {
	Run(ctx context.Context, runID uuid.UUID, seeds []*crawler.Request) (crawler.RunStats, error)
}

// SeedBuilder turns URLs into start requests.
type SeedBuilder interface {
	Seeds(rawURLs []string) ([]*crawler.Request, error)
}

// Dispatcher submits runs to the engine and records their status.
type Dispatcher struct {
	engine Engine
	seeds  SeedBuilder
	runs   crawler.RunStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger

	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closed   bool
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Dispatcher. ids must produce UUID strings.
func New(
	engine Engine,
	seeds SeedBuilder,
	runs crawler.RunStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if seeds == nil {
		return nil, errors.New("seed builder is required")
	}
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		engine:   engine,
		seeds:    seeds,
		runs:     runs,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		base:     base,
		stop:     stop,
		inflight: make(map[string]context.CancelFunc),
	}, nil
}

// Submit records a queued run and starts it in the background.
func (d *Dispatcher) Submit(ctx context.Context, rawURLs []string) (crawler.Run, error) {
	run, id, reqs, err := d.prepare(ctx, rawURLs)
	if err != nil {
		return crawler.Run{}, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.fail(run.ID, ErrShuttingDown)
		return crawler.Run{}, ErrShuttingDown
	}
	runCtx, cancel := context.WithCancel(d.base)
	d.inflight[run.ID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer d.forget(run.ID)
		d.execute(runCtx, run.ID, id, reqs)
	}()

	return run, nil
}

// Execute runs a crawl in the caller's goroutine and returns the final record.
func (d *Dispatcher) Execute(ctx context.Context, rawURLs []string) (crawler.Run, error) {
	run, id, reqs, err := d.prepare(ctx, rawURLs)
	if err != nil {
		return crawler.Run{}, err
	}
	runErr := d.execute(ctx, run.ID, id, reqs)
	final, err := d.runs.GetRun(context.WithoutCancel(ctx), run.ID)
	if err != nil {
		return crawler.Run{}, fmt.Errorf("load run: %w", err)
	}
	return final, runErr
}

// Cancel stops an active run.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	d.mu.Lock()
	cancel, ok := d.inflight[runID]
	d.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	run, err := d.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}
	return fmt.Errorf("run %s is not owned by this process: %w", runID, crawler.ErrRunNotFound)
}

// Shutdown cancels active runs and waits for their records to settle.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runs: %w", ctx.Err())
	}
}

// Active lists the IDs of runs executing in this process.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (d *Dispatcher) prepare(ctx context.Context, rawURLs []string) (crawler.Run, uuid.UUID, []*crawler.Request, error) {
	if len(rawURLs) == 0 {
		return crawler.Run{}, uuid.UUID{}, nil, ErrNoSeeds
	}
	reqs, err := d.seeds.Seeds(rawURLs)
	if err != nil {
		return crawler.Run{}, uuid.UUID{}, nil, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}
	raw, err := d.ids.NewID()
	if err != nil {
		return crawler.Run{}, uuid.UUID{}, nil, fmt.Errorf("generate run id: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return crawler.Run{}, uuid.UUID{}, nil, fmt.Errorf("generate run id %q: %w", raw, err)
	}
	run := crawler.Run{
		ID:      id.String(),
		Seeds:   slices.Clone(rawURLs),
		Status:  crawler.RunQueued,
		Created: d.clock.Now(),
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		return crawler.Run{}, uuid.UUID{}, nil, fmt.Errorf("create run: %w", err)
	}
	return run, id, reqs, nil
}

func (d *Dispatcher) execute(ctx context.Context, runID string, id uuid.UUID, reqs []*crawler.Request) error {
	logger := d.logger.With(zap.String("run_id", runID))
	store := context.WithoutCancel(ctx)

	started := d.clock.Now()
	if err := d.runs.UpdateRun(store, runID, func(r *crawler.Run) {
		r.Status = crawler.RunRunning
		r.Started = &started
	}); err != nil {
		logger.Error("mark run running failed", zap.Error(err))
	}
	logger.Info("run started", zap.Int("seeds", len(reqs)))

	stats, runErr := d.engine.Run(ctx, id, reqs)

	status := crawler.RunSucceeded
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		status = crawler.RunCanceled
	default:
		status = crawler.RunFailed
	}
	finished := d.clock.Now()
	if err := d.runs.UpdateRun(store, runID, func(r *crawler.Run) {
		r.Status = status
		r.Finished = &finished
		r.Stats = stats
		if runErr != nil {
			r.Error = runErr.Error()
		}
	}); err != nil {
		logger.Error("mark run finished failed", zap.Error(err))
	}
	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Duration("duration", finished.Sub(started)),
		zap.Int64("items", stats.Items),
		zap.Int64("faults", stats.Faults),
	)
	return runErr
}

func (d *Dispatcher) fail(runID string, cause error) {
	now := d.clock.Now()
	if err := d.runs.UpdateRun(context.Background(), runID, func(r *crawler.Run) {
		r.Status = crawler.RunFailed
		r.Finished = &now
		r.Error = cause.Error()
	}); err != nil {
		d.logger.Error("mark run failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (d *Dispatcher) forget(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.inflight[runID]; ok {
		cancel()
		delete(d.inflight, runID)
	}
}
