package builtins

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// Meta keys read by HTTPErrorMiddleware.
const (
	MetaHandleAll  = "handle_httpstatus_all"
	MetaHandleList = "handle_httpstatus_list"
)

// HTTPError is raised for responses whose status the spider does not handle.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ignoring non-200 response (%d) for %s", e.StatusCode, e.URL)
}

// HTTPErrorMiddleware filters out unsuccessful responses before the callback
// runs. It sits at the engine end of the chain, so its fault goes to the
// request's errback or straight to the fault reporter, which treats
// *HTTPError as an ignored response.
type HTTPErrorMiddleware struct {
	allowed  []int
	allowAll bool
	logger   *zap.Logger
}

// NewHTTPErrorMiddleware constructs the middleware. allowed lists extra status
// codes passed to the callback.
func NewHTTPErrorMiddleware(allowed []int, allowAll bool, logger *zap.Logger) *HTTPErrorMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPErrorMiddleware{
		allowed:  slices.Clone(allowed),
		allowAll: allowAll,
		logger:   logger,
	}
}

// ProcessInput faults with *HTTPError for unhandled statuses.
func (m *HTTPErrorMiddleware) ProcessInput(_ context.Context, resp *crawler.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if m.allowAll || slices.Contains(m.allowed, resp.StatusCode) {
		return nil
	}
	if v, ok := resp.Request.MetaValue(MetaHandleAll); ok {
		if all, _ := v.(bool); all {
			return nil
		}
	}
	if v, ok := resp.Request.MetaValue(MetaHandleList); ok {
		return checkList(v, resp)
	}
	m.logger.Debug("rejecting response", zap.String("url", resp.URL), zap.Int("status", resp.StatusCode))
	return &HTTPError{URL: resp.URL, StatusCode: resp.StatusCode}
}

func checkList(v any, resp *crawler.Response) error {
	var codes []int
	switch list := v.(type) {
	case []int:
		codes = list
	case []any:
		for _, c := range list {
			if n, ok := c.(int); ok {
				codes = append(codes, n)
			}
		}
	}
	if slices.Contains(codes, resp.StatusCode) {
		return nil
	}
	return &HTTPError{URL: resp.URL, StatusCode: resp.StatusCode}
}
