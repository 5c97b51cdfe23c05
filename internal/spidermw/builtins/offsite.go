package builtins

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// OffsiteMiddleware drops follow-up requests for hosts outside the allowed
// domains. Subdomains of an allowed domain are allowed. With no domains
// configured every host is allowed.
type OffsiteMiddleware struct {
	domains []string
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewOffsiteMiddleware constructs the middleware.
func NewOffsiteMiddleware(domains []string, logger *zap.Logger) *OffsiteMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.Trim(strings.TrimSpace(d), "."))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	return &OffsiteMiddleware{
		domains: normalized,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

// ProcessOutput filters requests lazily; items pass untouched.
func (m *OffsiteMiddleware) ProcessOutput(
	ctx context.Context,
	_ *crawler.Response,
	in crawler.Stream,
) (crawler.Stream, error) {
	return crawler.Transform(ctx, in, func(out crawler.Output) (crawler.Output, bool, error) {
		if !out.IsRequest() || out.Request.DontFilter {
			return out, true, nil
		}
		host := hostOf(out.Request.URL)
		if m.Allowed(host) {
			return out, true, nil
		}
		m.noteFiltered(host, out.Request.URL)
		return out, false, nil
	}), nil
}

// Allowed reports whether host is within the allowed domains.
func (m *OffsiteMiddleware) Allowed(host string) bool {
	if len(m.domains) == 0 {
		return true
	}
	if host == "" {
		return false
	}
	for _, d := range m.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (m *OffsiteMiddleware) noteFiltered(host, rawURL string) {
	m.mu.Lock()
	_, logged := m.seen[host]
	m.seen[host] = struct{}{}
	m.mu.Unlock()
	if !logged {
		m.logger.Debug("filtered offsite request", zap.String("domain", host), zap.String("url", rawURL))
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
