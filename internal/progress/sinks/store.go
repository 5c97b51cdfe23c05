package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/progress"
	"github.com/JakeFAU/spider-pipeline/internal/store"
)

// StoreSink persists run statistics through a store.StatsRepository. Each
// batch is collapsed into one counter delta per run and one site delta per
// (run, site, status class) before writing.
type StoreSink struct {
	repo   store.StatsRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.StatsRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the batch. Run starts are written first and completions
// last so counters land between them.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var finishes []progress.Event
	counters := make(map[uuid.UUID]*counterDelta)
	sites := make(map[siteKey]*siteDelta)

	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRunStart:
			if err := s.repo.UpsertRunStart(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.KindRunDone, progress.KindRunError:
			finishes = append(finishes, evt)
		case progress.KindResponse:
			bumpCounters(counters, evt, func(c *store.RunCounters) { c.Responses++ })
			recordSite(sites, evt)
		case progress.KindResponseIgnored:
			bumpCounters(counters, evt, func(c *store.RunCounters) { c.Ignored++ })
		case progress.KindItemScraped:
			bumpCounters(counters, evt, func(c *store.RunCounters) { c.Items++ })
		case progress.KindRequestScheduled:
			bumpCounters(counters, evt, func(c *store.RunCounters) { c.Scheduled++ })
		case progress.KindRequestDropped:
			bumpCounters(counters, evt, func(c *store.RunCounters) { c.Dropped++ })
		case progress.KindSpiderFault:
			bumpCounters(counters, evt, func(c *store.RunCounters) { c.Faults++ })
		}
	}

	for runID, delta := range counters {
		if delta.counters.IsZero() {
			continue
		}
		if err := s.repo.AddRunCounters(ctx, runID, delta.counters, delta.at); err != nil {
			return fmt.Errorf("add run counters: %w", err)
		}
	}
	for key, delta := range sites {
		if err := s.repo.UpsertSiteStats(
			ctx,
			key.runID,
			key.site,
			delta.responses,
			delta.bytes,
			key.statusClass,
			delta.at,
		); err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
	}
	for _, evt := range finishes {
		if err := s.finish(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) finish(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	if evt.Kind == progress.KindRunError {
		status = store.RunError
		if evt.Note != "" {
			note = &evt.Note
		}
	}
	if err := s.repo.CompleteRun(ctx, evt.RunID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	s.logger.Debug("run stats finalized", zap.Stringer("run_id", evt.RunID), zap.String("status", string(status)))
	return nil
}

// Close is a no-op.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type counterDelta struct {
	counters store.RunCounters
	at       time.Time
}

func bumpCounters(m map[uuid.UUID]*counterDelta, evt progress.Event, apply func(*store.RunCounters)) {
	d := m[evt.RunID]
	if d == nil {
		d = &counterDelta{}
		m[evt.RunID] = d
	}
	apply(&d.counters)
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}

type siteKey struct {
	runID       uuid.UUID
	site        string
	statusClass string
}

type siteDelta struct {
	responses int64
	bytes     int64
	at        time.Time
}

func recordSite(sites map[siteKey]*siteDelta, evt progress.Event) {
	if evt.Site == "" || evt.StatusClass == progress.StatusOther {
		return
	}
	key := siteKey{runID: evt.RunID, site: evt.Site, statusClass: string(evt.StatusClass)}
	d := sites[key]
	if d == nil {
		d = &siteDelta{}
		sites[key] = d
	}
	d.responses++
	d.bytes += evt.Bytes
	if evt.TS.After(d.at) {
		d.at = evt.TS
	}
}
