package builtins

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// URLLengthMiddleware drops requests whose URL exceeds a maximum length.
type URLLengthMiddleware struct {
	max    int
	logger *zap.Logger
}

// NewURLLengthMiddleware constructs the middleware. maxLength <= 0 disables it.
func NewURLLengthMiddleware(maxLength int, logger *zap.Logger) *URLLengthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &URLLengthMiddleware{max: maxLength, logger: logger}
}

// ProcessOutput filters long URLs lazily.
func (m *URLLengthMiddleware) ProcessOutput(
	ctx context.Context,
	_ *crawler.Response,
	in crawler.Stream,
) (crawler.Stream, error) {
	return crawler.Transform(ctx, in, func(out crawler.Output) (crawler.Output, bool, error) {
		if !out.IsRequest() || m.max <= 0 || len(out.Request.URL) <= m.max {
			return out, true, nil
		}
		m.logger.Info("ignoring link (url length exceeded)",
			zap.Int("max_url_length", m.max),
			zap.String("url", out.Request.URL),
		)
		return out, false, nil
	}), nil
}
