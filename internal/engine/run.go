package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/metrics"
	"github.com/JakeFAU/spider-pipeline/internal/progress"
	"github.com/JakeFAU/spider-pipeline/internal/queue/memory"
	"github.com/JakeFAU/spider-pipeline/internal/scheduler"
	"github.com/JakeFAU/spider-pipeline/internal/spidermw"
)

// run is the state of one Engine.Run call. It is the executor's OutputSink.
type run struct {
	id     uuid.UUID
	deps   Deps
	queue  *memory.Queue
	sched  *scheduler.Scheduler
	exec   *spidermw.Executor
	logger *zap.Logger

	// inflight counts requests that are queued or being handled. The queue
	// closes when it reaches zero.
	inflight atomic.Int64
	stats    counters
}

var _ spidermw.OutputSink = (*run)(nil)

func (r *run) work(ctx context.Context) error {
	for {
		req, err := r.queue.Dequeue(ctx)
		if errors.Is(err, memory.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		err = r.handle(ctx, req)
		r.done()
		if err != nil {
			return err
		}
	}
}

// handle fetches req and runs the result through the executor. It returns an
// error only when ctx ends.
func (r *run) handle(ctx context.Context, req *crawler.Request) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := r.deps.Tracer.Start(ctx, "spider.request",
		trace.WithAttributes(
			attribute.String("spider.run_id", r.id.String()),
			attribute.String("url.full", req.URL),
			attribute.Int("spider.depth", req.Depth),
		),
	)
	defer span.End()

	if r.deps.Limiter != nil {
		if err := r.deps.Limiter.Wait(ctx, req.URL); err != nil {
			return fmt.Errorf("politeness wait: %w", err)
		}
	}

	resp, err := r.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("fetch %s: %w", req.URL, ctxErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		r.logger.Debug("fetch failed", zap.String("url", req.URL), zap.Error(err))
		if err := r.exec.ProcessFailure(ctx, req, err); err != nil {
			return fmt.Errorf("handle download failure: %w", err)
		}
		return nil
	}
	if resp.Request == nil {
		resp.Request = req
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	r.stats.responses.Add(1)
	evt := progress.NewEvent(r.id, progress.KindResponse, r.deps.Clock.Now(), resp.URL)
	evt.StatusClass = progress.ClassifyStatus(resp.StatusCode)
	evt.Bytes = int64(len(resp.Body))
	evt.Dur = max(resp.Duration, 0)
	r.emit(evt)

	if err := r.exec.ProcessResponse(ctx, resp); err != nil {
		return fmt.Errorf("process response: %w", err)
	}
	return nil
}

// Deliver implements spidermw.OutputSink.
func (r *run) Deliver(ctx context.Context, resp *crawler.Response, out crawler.Output) error {
	if out.IsRequest() {
		return r.schedule(ctx, resp, out.Request)
	}
	res, err := r.deps.Items.Process(ctx, r.id.String(), resp.URL, out.Item)
	if err != nil {
		return fmt.Errorf("process item: %w", err)
	}
	r.stats.items.Add(1)
	evt := progress.NewEvent(r.id, progress.KindItemScraped, r.deps.Clock.Now(), resp.URL)
	evt.Note = res.BlobURI
	r.emit(evt)
	return nil
}

// schedule admits req. The in-flight slot is taken before enqueueing so a
// worker finishing the new request cannot observe an empty frontier first.
func (r *run) schedule(ctx context.Context, from *crawler.Response, req *crawler.Request) error {
	r.inflight.Add(1)
	d, err := r.sched.Schedule(ctx, req)
	if err != nil {
		r.done()
		return fmt.Errorf("schedule: %w", err)
	}
	if !d.Accepted {
		r.done()
		r.stats.dropped.Add(1)
		evt := progress.NewEvent(r.id, progress.KindRequestDropped, r.deps.Clock.Now(), req.URL)
		evt.Note = string(d.Reason)
		r.emit(evt)
		fields := []zap.Field{zap.String("url", req.URL), zap.String("reason", string(d.Reason))}
		if from != nil {
			fields = append(fields, zap.String("referer", from.URL))
		}
		r.logger.Debug("request dropped", fields...)
		return nil
	}
	r.stats.scheduled.Add(1)
	r.emit(progress.NewEvent(r.id, progress.KindRequestScheduled, r.deps.Clock.Now(), req.URL))
	return nil
}

func (r *run) done() {
	if r.inflight.Add(-1) == 0 {
		r.queue.Close()
	}
}

func (r *run) emit(evt progress.Event) {
	r.deps.Events.Emit(evt)
}

type counters struct {
	responses atomic.Int64
	ignored   atomic.Int64
	items     atomic.Int64
	scheduled atomic.Int64
	dropped   atomic.Int64
	faults    atomic.Int64
}

func (c *counters) snapshot() crawler.RunStats {
	return crawler.RunStats{
		Responses: c.responses.Load(),
		Ignored:   c.ignored.Load(),
		Items:     c.items.Load(),
		Scheduled: c.scheduled.Load(),
		Dropped:   c.dropped.Load(),
		Faults:    c.faults.Load(),
	}
}

// countingReporter tallies faults before forwarding them.
type countingReporter struct {
	next  spidermw.FaultReporter
	stats *counters
}

func (c *countingReporter) ReportFault(ctx context.Context, resp *crawler.Response, fault *spidermw.Fault) {
	if progress.IsIgnoredResponse(fault) {
		c.stats.ignored.Add(1)
	} else {
		c.stats.faults.Add(1)
	}
	c.next.ReportFault(ctx, resp, fault)
}
