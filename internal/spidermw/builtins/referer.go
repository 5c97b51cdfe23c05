package builtins

import (
	"context"
	"net/http"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// RefererMiddleware stamps follow-up requests with the URL of the response
// that produced them.
type RefererMiddleware struct{}

// ProcessOutput sets the Referer header unless the request already has one.
func (m *RefererMiddleware) ProcessOutput(
	ctx context.Context,
	resp *crawler.Response,
	in crawler.Stream,
) (crawler.Stream, error) {
	return crawler.Transform(ctx, in, func(out crawler.Output) (crawler.Output, bool, error) {
		if !out.IsRequest() || resp.URL == "" {
			return out, true, nil
		}
		if out.Request.Headers == nil {
			out.Request.Headers = make(http.Header)
		}
		if out.Request.Headers.Get("Referer") == "" {
			out.Request.Headers.Set("Referer", resp.URL)
		}
		return out, true, nil
	}), nil
}
