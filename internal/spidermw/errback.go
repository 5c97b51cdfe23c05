package spidermw

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

func (x *execution) hasErrback() bool {
	return x.req != nil && x.req.Errback != nil
}

// callbackFault routes a fault raised by the callback, or an input fault, to
// the errback when the request has one; otherwise the recovery search starts
// at the callback side of the chain.
func (x *execution) callbackFault(ctx context.Context, fault *Fault) {
	if x.hasErrback() {
		x.invokeErrback(ctx, fault)
		return
	}
	x.recoverFault(ctx, fault, 0)
}

// invokeErrback calls the request's errback. Its output enters the output
// pass at the callback side and is delivered after anything the callback
// already produced. A fault raised by the errback is searched like a callback
// fault without an errback.
func (x *execution) invokeErrback(ctx context.Context, fault *Fault) {
	errback := x.req.Errback
	x.logger.Debug("routing fault to errback",
		zap.String("stage", string(fault.Stage)),
		zap.String("middleware", fault.Middleware),
		zap.Error(fault.Err),
	)
	stream, err := protect(func() (crawler.Stream, error) { return errback(ctx, x.resp, fault) })
	if err != nil {
		if !isCancel(ctx, err) {
			x.recoverFault(ctx, &Fault{Stage: StageErrback, Err: err}, 0)
		}
		return
	}
	x.pending = append(x.pending, x.process(ctx, x.guard(orEmpty(stream), 0, StageErrback, ""), 0))
}
