package spidermw

import (
	"context"
	"fmt"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// Middleware is any value implementing at least one of InputProcessor,
// OutputProcessor or ExceptionProcessor. Its dynamic type must be comparable
// so duplicate registrations can be detected; pointers always are.
type Middleware any

// InputProcessor inspects a response before the callback runs. A returned
// error is a fault raised by this middleware.
type InputProcessor interface {
	ProcessInput(ctx context.Context, resp *crawler.Response) error
}

// OutputProcessor wraps the stream produced by the hops on its callback side.
// Implementations consume in lazily and return the stream seen by the next hop
// toward the engine. A nil stream means no output.
type OutputProcessor interface {
	ProcessOutput(ctx context.Context, resp *crawler.Response, in crawler.Stream) (crawler.Stream, error)
}

// ExceptionProcessor is offered faults raised on its callback side. Returning
// (nil, nil) declines the fault. Returning a stream, even an empty one, absorbs
// it and replaces the interrupted output. Returning an error replaces the
// fault and the search continues toward the engine.
type ExceptionProcessor interface {
	ProcessException(ctx context.Context, resp *crawler.Response, fault error) (crawler.Stream, error)
}

// Registration binds a middleware to its chain position.
type Registration struct {
	Name       string
	Priority   int
	Middleware Middleware
}

// Lookup resolves a middleware by name. Unknown names should return an error
// wrapping ErrUnknownMiddleware.
type Lookup func(name string) (Middleware, error)

// LookupMap resolves names from a fixed set of middlewares.
func LookupMap(known map[string]Middleware) Lookup {
	return func(name string) (Middleware, error) {
		mw, ok := known[name]
		if !ok || mw == nil {
			return nil, fmt.Errorf("%q: %w", name, ErrUnknownMiddleware)
		}
		return mw, nil
	}
}

// FaultReporter receives faults nothing recovered. It must not fail.
type FaultReporter interface {
	ReportFault(ctx context.Context, resp *crawler.Response, fault *Fault)
}

// FaultReporterFunc adapts a function to FaultReporter.
type FaultReporterFunc func(ctx context.Context, resp *crawler.Response, fault *Fault)

// ReportFault calls f.
func (f FaultReporterFunc) ReportFault(ctx context.Context, resp *crawler.Response, fault *Fault) {
	f(ctx, resp, fault)
}

// OutputSink receives every output that survives the chain, in order.
type OutputSink interface {
	Deliver(ctx context.Context, resp *crawler.Response, out crawler.Output) error
}

// OutputSinkFunc adapts a function to OutputSink.
type OutputSinkFunc func(ctx context.Context, resp *crawler.Response, out crawler.Output) error

// Deliver calls f.
func (f OutputSinkFunc) Deliver(ctx context.Context, resp *crawler.Response, out crawler.Output) error {
	return f(ctx, resp, out)
}

type nopReporter struct{}

func (nopReporter) ReportFault(context.Context, *crawler.Response, *Fault) {}
