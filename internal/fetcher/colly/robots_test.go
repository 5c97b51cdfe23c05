package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRobotsGuardFallsBackAfterRetries(t *testing.T) {
	t.Parallel()

	guard := newTestGuard()
	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}

	req := httptest.NewRequest(http.MethodGet, "https://Example.com/robots.txt", nil)
	resp, err := guard.wrap(base).RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.Equal(t, 4, base.calls)

	reason, ok := guard.fallbackReason("example.com")
	require.True(t, ok)
	require.Contains(t, reason, "deadline exceeded")
	_, ok = guard.fallbackReason("other.example")
	require.False(t, ok)
}

func TestRobotsGuardStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	guard := newTestGuard()
	base := &stubRoundTripper{
		results: []roundTripResult{
			{err: context.DeadlineExceeded},
			{resp: httptest.NewRecorder().Result()},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := guard.wrap(base).RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
	_, ok := guard.fallbackReason("example.com")
	require.False(t, ok)
}

func TestRobotsGuardReturnsPermanentErrors(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("connection refused")}}}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	_, err := newTestGuard().wrap(base).RoundTrip(req)
	require.ErrorContains(t, err, "robots.txt probe example.com")
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, base.calls)
}

func TestRobotsGuardHonorsCanceledProbe(t *testing.T) {
	t.Parallel()

	guard := newTestGuard()
	guard.backoff = []time.Duration{time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil).WithContext(ctx)
	_, err := guard.wrap(base).RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRobotsTransportPassesThroughPages(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/page", nil)
	_, err := newTestGuard().wrap(base).RoundTrip(req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, base.calls)
}

func newTestGuard() *robotsGuard {
	g := newRobotsGuard(zap.NewNop())
	g.backoff = []time.Duration{0, 0, 0}
	return g
}

// --- fakes ---

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	idx := min(s.calls, len(s.results)-1)
	res := s.results[idx]
	return res.resp, res.err
}
