// Package scheduler admits follow-up requests into the crawl queue. It
// deduplicates by request fingerprint and enforces the request budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
	"github.com/JakeFAU/spider-pipeline/internal/queue/memory"
)

// DropReason explains why a request was not queued.
type DropReason string

// Drop reasons.
const (
	DropDuplicate  DropReason = "duplicate"
	DropBudget     DropReason = "budget"
	DropInvalidURL DropReason = "invalid_url"
	DropQueueFull  DropReason = "queue_full"
	DropClosed     DropReason = "closed"
)

// Config bounds a run.
type Config struct {
	// MaxRequests caps accepted requests; 0 means unlimited.
	MaxRequests int
}

// Decision is the outcome of Schedule.
type Decision struct {
	Accepted    bool
	Reason      DropReason
	Fingerprint string
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	queue  crawler.Queue
	hasher crawler.Hasher
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	accepted int
}

// New builds a Scheduler over queue.
func New(queue crawler.Queue, hasher crawler.Hasher, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if queue == nil {
		return nil, errors.New("queue is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:  queue,
		hasher: hasher,
		cfg:    cfg,
		logger: logger.Named("scheduler"),
		seen:   make(map[string]struct{}),
	}, nil
}

// Fingerprint identifies req by method and normalized URL.
func Fingerprint(hasher crawler.Hasher, req *crawler.Request) (string, error) {
	canonical, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		return "", err
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	fp, err := hasher.Hash([]byte(method + " " + canonical))
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	return fp, nil
}

// Schedule queues req unless it is a duplicate, over budget or invalid. A
// DontFilter request skips the duplicate check but still counts against the
// budget. The error is non-nil only when ctx ends.
func (s *Scheduler) Schedule(ctx context.Context, req *crawler.Request) (Decision, error) {
	if req == nil {
		return Decision{}, errors.New("request is required")
	}
	fp, err := Fingerprint(s.hasher, req)
	if err != nil {
		s.logger.Debug("dropping request", zap.String("url", req.URL), zap.Error(err))
		return Decision{Reason: DropInvalidURL}, nil
	}
	d := Decision{Fingerprint: fp}

	s.mu.Lock()
	if _, dup := s.seen[fp]; dup && !req.DontFilter {
		s.mu.Unlock()
		d.Reason = DropDuplicate
		return d, nil
	}
	if s.cfg.MaxRequests > 0 && s.accepted >= s.cfg.MaxRequests {
		s.mu.Unlock()
		d.Reason = DropBudget
		return d, nil
	}
	_, known := s.seen[fp]
	s.seen[fp] = struct{}{}
	s.accepted++
	s.mu.Unlock()

	if err := s.queue.Enqueue(ctx, req); err != nil {
		s.release(fp, !known)
		switch {
		case errors.Is(err, memory.ErrFull):
			d.Reason = DropQueueFull
			return d, nil
		case errors.Is(err, memory.ErrClosed):
			d.Reason = DropClosed
			return d, nil
		default:
			return d, fmt.Errorf("schedule %s: %w", req.URL, err)
		}
	}
	d.Accepted = true
	return d, nil
}

// Seen reports whether a request with fingerprint fp was accepted.
func (s *Scheduler) Seen(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[fp]
	return ok
}

// Accepted reports how many requests were queued.
func (s *Scheduler) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// release undoes an admission whose enqueue failed. The fingerprint is only
// forgotten when this admission added it.
func (s *Scheduler) release(fp string, added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if added {
		delete(s.seen, fp)
	}
	s.accepted--
}
