package spidermw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// Config controls Executor behavior.
type Config struct {
	// DefaultCallback handles responses whose request has no Callback. When
	// nil such responses produce no output.
	DefaultCallback crawler.Callback
}

// Executor runs responses through a chain. It is immutable and safe for
// concurrent use; each call owns its own execution state.
type Executor struct {
	asc      []Entry
	desc     []Entry
	sink     OutputSink
	reporter FaultReporter
	cfg      Config
	logger   *zap.Logger
}

// NewExecutor constructs an Executor. reporter may be nil.
func NewExecutor(
	chain *Chain,
	sink OutputSink,
	reporter FaultReporter,
	cfg Config,
	logger *zap.Logger,
) (*Executor, error) {
	if chain == nil {
		return nil, ErrNilChain
	}
	if sink == nil {
		return nil, ErrNilSink
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		asc:      chain.Ascending(),
		desc:     chain.Descending(),
		sink:     sink,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.Named("spidermw"),
	}, nil
}

// ProcessResponse runs the input pass, the callback and the output pass for
// resp, handing each surviving output to the sink in order. Faults are
// recovered, routed to the errback or reported; they never surface here. The
// returned error is non-nil only when ctx ends before processing completes.
func (e *Executor) ProcessResponse(ctx context.Context, resp *crawler.Response) error {
	if resp == nil {
		return ErrNilResponse
	}
	x := e.newExecution(resp)
	defer x.closeAll()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("process %s: %w", resp.URL, err)
	}
	return x.deliver(ctx, x.start(ctx))
}

// ProcessFailure handles a request whose download failed. A request with an
// errback has it invoked with a response carrying only the request, and its
// output goes through the whole output pass; otherwise the failure is reported
// as a download fault.
func (e *Executor) ProcessFailure(ctx context.Context, req *crawler.Request, cause error) error {
	if req == nil {
		return ErrNilRequest
	}
	resp := &crawler.Response{URL: req.URL, Request: req}
	x := e.newExecution(resp)
	defer x.closeAll()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("process failure %s: %w", req.URL, err)
	}
	fault := &Fault{Stage: StageDownload, Err: cause}
	if req.Errback != nil {
		x.invokeErrback(ctx, fault)
	} else {
		x.report(ctx, fault)
	}
	return x.deliver(ctx, crawler.Empty())
}

// execution is the per-response state. It is owned by the goroutine calling
// ProcessResponse or ProcessFailure; only the fault queue is shared with
// producer goroutines of asynchronous hops.
type execution struct {
	ex      *Executor
	resp    *crawler.Response
	req     *crawler.Request
	asc     []Entry
	desc    []Entry
	open    []crawler.Stream
	pending []crawler.Stream
	logger  *zap.Logger

	mu     sync.Mutex
	faults []queuedFault
}

func (e *Executor) newExecution(resp *crawler.Response) *execution {
	return &execution{
		ex:     e,
		resp:   resp,
		req:    resp.Request,
		asc:    e.asc,
		desc:   e.desc,
		logger: e.logger.With(zap.String("url", resp.URL)),
	}
}

// start runs the input pass and the callback and returns the fully wrapped
// main stream.
func (x *execution) start(ctx context.Context) crawler.Stream {
	if fault, at := x.inputPass(ctx); fault != nil {
		if isCancel(ctx, fault.Err) {
			return crawler.Empty()
		}
		if x.hasErrback() {
			x.invokeErrback(ctx, fault)
			return crawler.Empty()
		}
		// Search from the position immediately engine-ward of the failing hook.
		x.recoverFault(ctx, fault, len(x.desc)-at)
		return crawler.Empty()
	}

	callback := x.ex.cfg.DefaultCallback
	if x.req != nil && x.req.Callback != nil {
		callback = x.req.Callback
	}
	if callback == nil {
		return crawler.Empty()
	}
	stream, err := protect(func() (crawler.Stream, error) { return callback(ctx, x.resp) })
	if err != nil {
		if isCancel(ctx, err) {
			return crawler.Empty()
		}
		x.callbackFault(ctx, &Fault{Stage: StageCallback, Err: err})
		return crawler.Empty()
	}
	return x.process(ctx, x.guard(orEmpty(stream), 0, StageCallback, ""), 0)
}

// inputPass runs input hooks engine to callback. It returns the first fault
// and the ascending index of the hook that raised it.
func (x *execution) inputPass(ctx context.Context) (*Fault, int) {
	for i, entry := range x.asc {
		if entry.input == nil {
			continue
		}
		err := protectErr(func() error { return entry.input.ProcessInput(ctx, x.resp) })
		if err != nil {
			return &Fault{Stage: StageInput, Middleware: entry.Name, Err: err}, i
		}
	}
	return nil, -1
}

// process wraps stream with the output hooks at descending positions from
// start onward.
func (x *execution) process(ctx context.Context, stream crawler.Stream, start int) crawler.Stream {
	cur := stream
	for i := start; i < len(x.desc); i++ {
		entry := x.desc[i]
		if entry.output == nil {
			continue
		}
		in := cur
		out, err := protect(func() (crawler.Stream, error) { return entry.output.ProcessOutput(ctx, x.resp, in) })
		if err != nil {
			_ = in.Close()
			if !isCancel(ctx, err) {
				x.recoverFault(ctx, &Fault{Stage: StageOutput, Middleware: entry.Name, Err: err}, i+1)
			}
			return crawler.Empty()
		}
		cur = x.guard(orEmpty(out), i+1, StageOutput, entry.Name)
	}
	return cur
}

// deliver drains the main stream and then every recovered stream, in the
// order they were recovered. Faults queued while a stream drained are resolved
// once it is finished, so recovered output always follows the interrupted
// stream.
func (x *execution) deliver(ctx context.Context, main crawler.Stream) error {
	next := main
	for next != nil {
		if err := x.drain(ctx, next); err != nil {
			return err
		}
		x.resolveFaults(ctx)
		next = nil
		if len(x.pending) > 0 {
			next = x.pending[0]
			x.pending = x.pending[1:]
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("process %s: %w", x.resp.URL, err)
	}
	return nil
}

func (x *execution) drain(ctx context.Context, s crawler.Stream) error {
	defer s.Close()
	for {
		out, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("process %s: %w", x.resp.URL, ctxErr)
			}
			x.report(ctx, &Fault{Stage: StageOutput, Err: err})
			return nil
		}
		x.emit(ctx, out)
	}
}

func (x *execution) emit(ctx context.Context, out crawler.Output) {
	if !out.IsItem() && !out.IsRequest() {
		x.logger.Debug("dropping empty output")
		return
	}
	if err := x.ex.sink.Deliver(ctx, x.resp, out); err != nil {
		x.logger.Warn("deliver output failed", zap.Error(err))
	}
}

func (x *execution) report(ctx context.Context, fault *Fault) {
	x.logger.Debug("unhandled fault",
		zap.String("stage", string(fault.Stage)),
		zap.String("middleware", fault.Middleware),
		zap.Error(fault.Err),
	)
	x.ex.reporter.ReportFault(ctx, x.resp, fault)
}

func (x *execution) closeAll() {
	for i := len(x.open) - 1; i >= 0; i-- {
		_ = x.open[i].Close()
	}
	x.open = nil
	x.pending = nil
}

func isCancel(ctx context.Context, err error) bool {
	ctxErr := ctx.Err()
	return ctxErr != nil && errors.Is(err, ctxErr)
}

func protect(fn func() (crawler.Stream, error)) (s crawler.Stream, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, crawler.NewPanicError(r)
		}
	}()
	return fn()
}

func orEmpty(s crawler.Stream) crawler.Stream {
	if s == nil {
		return crawler.Empty()
	}
	return s
}

func protectErr(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = crawler.NewPanicError(r)
		}
	}()
	return fn()
}
