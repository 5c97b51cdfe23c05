package progress

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/spidermw"
	"github.com/JakeFAU/spider-pipeline/internal/spidermw/builtins"
)

// FaultReporter logs unrecovered spider faults and emits them as events.
// Responses rejected by the httperror middleware are reported as ignored
// responses rather than faults.
type FaultReporter struct {
	runID   uuid.UUID
	emitter Emitter
	clock   crawler.Clock
	logger  *zap.Logger
}

var _ spidermw.FaultReporter = (*FaultReporter)(nil)

// NewFaultReporter builds a reporter for one run. emitter and clock may be nil.
func NewFaultReporter(runID uuid.UUID, emitter Emitter, clock crawler.Clock, logger *zap.Logger) *FaultReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FaultReporter{
		runID:   runID,
		emitter: emitter,
		clock:   clock,
		logger:  logger.Named("faults"),
	}
}

// IsIgnoredResponse reports whether err rejects a response by HTTP status.
func IsIgnoredResponse(err error) bool {
	var httpErr *builtins.HTTPError
	return errors.As(err, &httpErr)
}

// ReportFault implements spidermw.FaultReporter.
func (r *FaultReporter) ReportFault(_ context.Context, resp *crawler.Response, fault *spidermw.Fault) {
	if fault == nil {
		return
	}
	var rawURL string
	var status int
	if resp != nil {
		rawURL = resp.URL
		status = resp.StatusCode
	}

	var httpErr *builtins.HTTPError
	if errors.As(fault, &httpErr) {
		r.logger.Info("ignoring response",
			zap.String("url", httpErr.URL),
			zap.Int("status", httpErr.StatusCode),
		)
		evt := NewEvent(r.runID, KindResponseIgnored, r.now(), rawURL)
		evt.StatusClass = ClassifyStatus(httpErr.StatusCode)
		evt.Note = httpErr.Error()
		r.emit(evt)
		return
	}

	fields := []zap.Field{
		zap.String("url", rawURL),
		zap.String("stage", string(fault.Stage)),
		zap.String("middleware", fault.Middleware),
		zap.Error(fault.Err),
	}
	if status != 0 {
		fields = append(fields, zap.Int("status", status))
	}
	var panicErr *spidermw.PanicError
	if errors.As(fault, &panicErr) {
		fields = append(fields, zap.String("stack", panicErr.Stack))
	}
	r.logger.Error("spider fault", fields...)

	evt := NewEvent(r.runID, KindSpiderFault, r.now(), rawURL)
	evt.FaultStage = string(fault.Stage)
	evt.Middleware = fault.Middleware
	evt.Note = fault.Error()
	r.emit(evt)
}

func (r *FaultReporter) emit(evt Event) {
	if r.emitter != nil {
		r.emitter.Emit(evt)
	}
}

func (r *FaultReporter) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}
