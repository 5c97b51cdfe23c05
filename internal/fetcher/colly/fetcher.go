// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	robots        *robotsGuard
	baseCollector *colly.Collector
	logger        *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	// Clones share the visited store; scheduling owns dedup.
	c.AllowURLRevisit = true
	// Non-2xx responses are data for the middleware chain, not transport errors.
	c.ParseHTTPErrorResponse = true

	logger = logger.Named("fetcher")
	var transport http.RoundTripper = newHTTPTransport()
	var robots *robotsGuard
	if cfg.RespectRobots {
		robots = newRobotsGuard(logger)
		transport = robots.wrap(transport)
	}
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		robots:        robots,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch downloads req and binds the response to it. Non-2xx statuses are
// returned as responses; only transport failures are errors.
func (f *Fetcher) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("colly fetch: nil request")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("colly fetch %s: %w", req.URL, err)
	}
	a := &attempt{req: req, start: time.Now()}
	if err := f.visit(ctx, f.collectorFor(a), a); err != nil {
		return nil, err
	}
	if a.resp == nil {
		return nil, fmt.Errorf("colly fetch %s: no response", req.URL)
	}
	return a.resp, nil
}

// collectorFor clones the base collector and points its callbacks at a.
func (f *Fetcher) collectorFor(a *attempt) *colly.Collector {
	c := f.baseCollector.Clone()
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.SetRequestTimeout(f.cfg.Timeout)
	c.WithTransport(f.transport)

	c.OnRequest(a.onRequest)
	c.OnResponse(a.onResponse)
	c.OnError(a.onError)
	return c
}

// visit runs the collector and gives up early when ctx ends. The abandoned
// visit finishes on its own against the request timeout.
func (f *Fetcher) visit(ctx context.Context, c *colly.Collector, a *attempt) error {
	method := a.req.Method
	if method == "" {
		method = http.MethodGet
	}
	done := make(chan error, 1)
	go func() {
		done <- c.Request(method, a.req.URL, nil, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch %s: %w", a.req.URL, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly fetch %s: %w", a.req.URL, err)
		}
		if a.err != nil {
			return fmt.Errorf("colly fetch %s: %w", a.req.URL, a.err)
		}
		return nil
	}
}

// attempt records the outcome of a single collector visit.
type attempt struct {
	req   *crawler.Request
	start time.Time
	resp  *crawler.Response
	err   error
}

func (a *attempt) onRequest(r *colly.Request) {
	if r.Headers == nil {
		return
	}
	for key, values := range a.req.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func (a *attempt) onResponse(r *colly.Response) {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	a.resp = &crawler.Response{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(a.start),
		Request:    a.req,
	}
}

func (a *attempt) onError(_ *colly.Response, err error) {
	a.err = err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
