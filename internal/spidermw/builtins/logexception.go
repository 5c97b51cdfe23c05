package builtins

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// LogExceptionMiddleware logs every fault offered to it and declines it.
type LogExceptionMiddleware struct {
	logger *zap.Logger
}

// NewLogExceptionMiddleware constructs the middleware.
func NewLogExceptionMiddleware(logger *zap.Logger) *LogExceptionMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogExceptionMiddleware{logger: logger}
}

// ProcessException never recovers.
func (m *LogExceptionMiddleware) ProcessException(
	_ context.Context,
	resp *crawler.Response,
	fault error,
) (crawler.Stream, error) {
	m.logger.Warn("spider fault", zap.String("url", resp.URL), zap.Error(fault))
	return nil, nil
}
