package spidermw

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// guard wraps a stream produced at one chain position. A fault surfacing from
// the wrapped stream ends it and is queued for the recovery search starting at
// from; the consumer only ever sees values or io.EOF. Cancellation passes
// through untouched. Next may run on a producer goroutine of an asynchronous
// hop, so the search itself always runs later on the goroutine that owns the
// execution.
type guard struct {
	x     *execution
	src   crawler.Stream
	from  int
	stage Stage
	name  string
	done  bool
}

func (x *execution) guard(src crawler.Stream, from int, stage Stage, name string) crawler.Stream {
	g := &guard{x: x, src: src, from: from, stage: stage, name: name}
	x.open = append(x.open, g)
	return g
}

func (g *guard) Next(ctx context.Context) (out crawler.Output, err error) {
	if g.done {
		return crawler.Output{}, io.EOF
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = crawler.Output{}, g.fail(crawler.NewPanicError(r))
		}
	}()
	out, err = g.src.Next(ctx)
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, io.EOF):
		g.done = true
		return crawler.Output{}, io.EOF
	case isCancel(ctx, err):
		g.done = true
		_ = g.src.Close()
		return crawler.Output{}, err
	default:
		return crawler.Output{}, g.fail(err)
	}
}

func (g *guard) fail(err error) error {
	g.done = true
	_ = g.src.Close()
	g.x.queueFault(queuedFault{
		fault: &Fault{Stage: g.stage, Middleware: g.name, Err: err},
		from:  g.from,
	})
	return io.EOF
}

func (g *guard) Incremental() bool { return g.src.Incremental() }

func (g *guard) Close() error {
	g.done = true
	return g.src.Close()
}

type queuedFault struct {
	fault *Fault
	from  int
}

func (x *execution) queueFault(q queuedFault) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.faults = append(x.faults, q)
}

func (x *execution) takeFaults() []queuedFault {
	x.mu.Lock()
	defer x.mu.Unlock()
	q := x.faults
	x.faults = nil
	return q
}

// resolveFaults runs the recovery search for every queued fault, in the order
// they surfaced. Callback faults go through the errback router first.
func (x *execution) resolveFaults(ctx context.Context) {
	for q := x.takeFaults(); len(q) > 0; q = x.takeFaults() {
		for _, f := range q {
			if ctx.Err() != nil {
				return
			}
			if f.fault.Stage == StageCallback {
				x.callbackFault(ctx, f.fault)
			} else {
				x.recoverFault(ctx, f.fault, f.from)
			}
		}
	}
}

// recoverFault offers fault to the exception hooks at descending positions from
// onward. The first hook returning a stream absorbs the fault; its output is
// processed by the output hooks engine-ward of it and queued for delivery
// after the interrupted stream. A fault nothing absorbs is reported.
func (x *execution) recoverFault(ctx context.Context, fault *Fault, from int) {
	for k := from; k < len(x.desc); k++ {
		entry := x.desc[k]
		if entry.exception == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		stream, err := protect(func() (crawler.Stream, error) {
			return entry.exception.ProcessException(ctx, x.resp, fault)
		})
		if err != nil {
			if isCancel(ctx, err) {
				return
			}
			x.logger.Debug("exception hook failed",
				zap.String("middleware", entry.Name),
				zap.NamedError("fault", fault),
				zap.Error(err),
			)
			fault = &Fault{Stage: StageException, Middleware: entry.Name, Err: err}
			continue
		}
		if stream == nil {
			continue
		}
		x.logger.Debug("fault recovered",
			zap.String("middleware", entry.Name),
			zap.String("stage", string(fault.Stage)),
			zap.Error(fault.Err),
		)
		recovered := x.process(ctx, x.guard(stream, k+1, StageException, entry.Name), k+1)
		x.pending = append(x.pending, recovered)
		return
	}
	x.report(ctx, fault)
}
