package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/metrics"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsGuard retries robots.txt probes that time out. Once retries are
// exhausted the host is served an allow-all policy and remembered.
type robotsGuard struct {
	backoff []time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	fallbacks map[string]string
}

func newRobotsGuard(logger *zap.Logger) *robotsGuard {
	return &robotsGuard{
		backoff:   defaultRobotsBackoff,
		logger:    logger,
		fallbacks: make(map[string]string),
	}
}

func (g *robotsGuard) wrap(base http.RoundTripper) http.RoundTripper {
	return &robotsTransport{base: base, guard: g}
}

// fallbackReason reports whether host was granted allow-all and why.
func (g *robotsGuard) fallbackReason(host string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reason, ok := g.fallbacks[strings.ToLower(host)]
	return reason, ok
}

func (g *robotsGuard) probe(req *http.Request, base http.RoundTripper) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !transientProbeError(err) {
			return nil, fmt.Errorf("robots.txt probe %s: %w", req.URL.Host, err)
		}
		if attempt >= len(g.backoff) {
			return g.allowAll(req, err), nil
		}
		if err := pause(req.Context(), g.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt probe %s: %w", req.URL.Host, err)
		}
	}
}

func (g *robotsGuard) allowAll(req *http.Request, cause error) *http.Response {
	host := strings.ToLower(req.URL.Host)
	g.mu.Lock()
	_, seen := g.fallbacks[host]
	if !seen {
		g.fallbacks[host] = cause.Error()
	}
	g.mu.Unlock()

	if !seen {
		metrics.ObserveRobotsFallback()
		g.logger.Warn("robots.txt unreachable, allowing host",
			zap.String("host", host),
			zap.Int("attempts", len(g.backoff)+1),
			zap.Error(cause),
		)
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

type robotsTransport struct {
	base  http.RoundTripper
	guard *robotsGuard
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req) //nolint:wrapcheck // pass-through transport
	}
	return t.guard.probe(req, t.base)
}

func transientProbeError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
