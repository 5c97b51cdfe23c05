package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/spider-pipeline/internal/progress"
)

// LogSink writes each event as a structured log line. Per-response and
// per-item events are logged at debug level; run milestones and faults at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunID),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.String("site", evt.Site))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.FaultStage != "" {
			fields = append(fields, zap.String("stage", evt.FaultStage), zap.String("middleware", evt.Middleware))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Kind), "progress event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(kind progress.Kind) zapcore.Level {
	switch kind {
	case progress.KindRunStart, progress.KindRunDone, progress.KindRunError, progress.KindSpiderFault:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
