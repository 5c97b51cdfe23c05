// Package ratelimit paces fetches per site with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/spider-pipeline/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerSiteRPS is the sustained request rate per host; <= 0 disables pacing.
	PerSiteRPS float64
	// Burst is the bucket size per host; defaults to 1.
	Burst int
}

// Limiter manages per-site rate limits. The zero value is not usable; use New.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.PerSiteRPS)
	if cfg.PerSiteRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until rawURL's host may be fetched or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	site := siteOf(rawURL)
	start := time.Now()
	if err := l.limiterFor(site).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", site, err)
	}
	// Immediate grants are not delays.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessDelay(site, waited)
	}
	return nil
}

// Sites reports how many hosts have a bucket.
func (l *Limiter) Sites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiterFor(site string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[site]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[site] = limiter
	}
	return limiter
}

func siteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
