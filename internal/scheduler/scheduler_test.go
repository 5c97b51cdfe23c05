package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/spider-pipeline/internal/queue/memory"
)

func newScheduler(t *testing.T, cfg Config) (*Scheduler, *memory.Queue) {
	t.Helper()
	q := memory.NewQueue(0)
	s, err := New(q, sha256.New(), cfg, nil)
	require.NoError(t, err)
	return s, q
}

func TestScheduleDeduplicatesNormalizedURLs(t *testing.T) {
	t.Parallel()

	s, q := newScheduler(t, Config{})
	ctx := context.Background()

	d, err := s.Schedule(ctx, crawler.NewRequest("https://Example.com/a?b=1&a=2"))
	require.NoError(t, err)
	require.True(t, d.Accepted)
	require.True(t, s.Seen(d.Fingerprint))

	d, err = s.Schedule(ctx, crawler.NewRequest("https://example.com:443/a?a=2&b=1#top"))
	require.NoError(t, err)
	require.False(t, d.Accepted)
	require.Equal(t, DropDuplicate, d.Reason)

	post := crawler.NewRequest("https://example.com/a?a=2&b=1")
	post.Method = "POST"
	d, err = s.Schedule(ctx, post)
	require.NoError(t, err)
	require.True(t, d.Accepted, "method is part of the fingerprint")

	require.Equal(t, 2, q.Len())
	require.Equal(t, 2, s.Accepted())
}

func TestScheduleDontFilterBypassesDedup(t *testing.T) {
	t.Parallel()

	s, q := newScheduler(t, Config{})
	ctx := context.Background()
	_, err := s.Schedule(ctx, crawler.NewRequest("https://example.com/"))
	require.NoError(t, err)

	again := crawler.NewRequest("https://example.com/")
	again.DontFilter = true
	d, err := s.Schedule(ctx, again)
	require.NoError(t, err)
	require.True(t, d.Accepted)
	require.Equal(t, 2, q.Len())
}

func TestScheduleEnforcesBudget(t *testing.T) {
	t.Parallel()

	s, q := newScheduler(t, Config{MaxRequests: 2})
	ctx := context.Background()
	var reasons []DropReason
	for _, u := range []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"} {
		d, err := s.Schedule(ctx, crawler.NewRequest(u))
		require.NoError(t, err)
		reasons = append(reasons, d.Reason)
	}
	require.Equal(t, []DropReason{"", "", DropBudget}, reasons)
	require.Equal(t, 2, q.Len())
}

func TestScheduleInvalidURL(t *testing.T) {
	t.Parallel()

	s, q := newScheduler(t, Config{})
	d, err := s.Schedule(context.Background(), crawler.NewRequest("mailto:someone@example.com"))
	require.NoError(t, err)
	require.Equal(t, DropInvalidURL, d.Reason)
	require.Zero(t, q.Len())
}

func TestScheduleClosedQueueReleasesSlot(t *testing.T) {
	t.Parallel()

	s, q := newScheduler(t, Config{MaxRequests: 1})
	q.Close()
	d, err := s.Schedule(context.Background(), crawler.NewRequest("https://a.test/"))
	require.NoError(t, err)
	require.Equal(t, DropClosed, d.Reason)
	require.Zero(t, s.Accepted())
	require.False(t, s.Seen(d.Fingerprint))
}

func TestScheduleFullQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	s, err := New(q, sha256.New(), Config{}, nil)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.Schedule(ctx, crawler.NewRequest("https://a.test/1"))
	require.NoError(t, err)
	d, err := s.Schedule(ctx, crawler.NewRequest("https://a.test/2"))
	require.NoError(t, err)
	require.Equal(t, DropQueueFull, d.Reason)
}

func TestScheduleFailedDontFilterKeepsEarlierFingerprint(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	s, err := New(q, sha256.New(), Config{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := s.Schedule(ctx, crawler.NewRequest("https://a.test/page"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	forced := crawler.NewRequest("https://a.test/page")
	forced.DontFilter = true
	d, err := s.Schedule(ctx, forced)
	require.NoError(t, err)
	require.Equal(t, DropQueueFull, d.Reason)
	require.True(t, s.Seen(first.Fingerprint))
	require.Equal(t, 1, s.Accepted())

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	d, err = s.Schedule(ctx, crawler.NewRequest("https://a.test/page"))
	require.NoError(t, err)
	require.False(t, d.Accepted)
	require.Equal(t, DropDuplicate, d.Reason)
}

func TestScheduleCanceledContext(t *testing.T) {
	t.Parallel()

	s, _ := newScheduler(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Schedule(ctx, crawler.NewRequest("https://a.test/"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFingerprintPropagatesHasherErrors(t *testing.T) {
	t.Parallel()

	_, err := Fingerprint(failingHasher{}, crawler.NewRequest("https://a.test/"))
	require.ErrorContains(t, err, "hash request")

	_, err = New(nil, sha256.New(), Config{}, nil)
	require.Error(t, err)
	_, err = New(memory.NewQueue(0), nil, Config{}, nil)
	require.Error(t, err)
}

// --- fakes ---

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) {
	return "", errors.New("hash failed")
}
