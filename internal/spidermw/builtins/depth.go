package builtins

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// DepthMiddleware tracks how far each request is from its seed and drops
// requests beyond the configured limit.
type DepthMiddleware struct {
	max      int
	priority int
	logger   *zap.Logger
}

// NewDepthMiddleware constructs the middleware. maxDepth <= 0 means unlimited;
// priority adjusts request priority by -depth*priority.
func NewDepthMiddleware(maxDepth, priority int, logger *zap.Logger) *DepthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepthMiddleware{max: maxDepth, priority: priority, logger: logger}
}

// ProcessOutput sets the depth of follow-up requests.
func (m *DepthMiddleware) ProcessOutput(
	ctx context.Context,
	resp *crawler.Response,
	in crawler.Stream,
) (crawler.Stream, error) {
	parent := 0
	if resp.Request != nil {
		parent = resp.Request.Depth
	}
	return crawler.Transform(ctx, in, func(out crawler.Output) (crawler.Output, bool, error) {
		if !out.IsRequest() {
			return out, true, nil
		}
		depth := parent + 1
		out.Request.Depth = depth
		if m.priority != 0 {
			out.Request.Priority -= depth * m.priority
		}
		if m.max > 0 && depth > m.max {
			m.logger.Debug("ignoring link (depth exceeded)",
				zap.Int("max_depth", m.max),
				zap.String("url", out.Request.URL),
			)
			return out, false, nil
		}
		return out, true, nil
	}), nil
}
