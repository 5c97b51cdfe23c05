// Package links is a generic spider: it records one item per HTML page and
// follows the page's anchors. Faults that reach its errback become error
// items so failed pages still show up in the output.
package links

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// Config tunes link extraction.
type Config struct {
	// Follow disables link extraction when false.
	Follow bool
	// MaxLinksPerPage caps follow-up requests per page; 0 means unlimited.
	MaxLinksPerPage int
}

// Spider parses pages with goquery. It is stateless and safe for concurrent use.
type Spider struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Spider.
func New(cfg Config, logger *zap.Logger) *Spider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spider{cfg: cfg, logger: logger.Named("spider.links")}
}

// Seeds builds the start requests for rawURLs, routing their faults to
// the errback.
func (s *Spider) Seeds(rawURLs []string) ([]*crawler.Request, error) {
	seeds := make([]*crawler.Request, 0, len(rawURLs))
	for _, raw := range rawURLs {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", raw, err)
		}
		req := crawler.NewRequest(normalized)
		req.Callback = s.Parse
		req.Errback = s.Errback
		seeds = append(seeds, req)
	}
	return seeds, nil
}

// Parse is the page callback. It yields the page item first, then one
// request per distinct link.
func (s *Spider) Parse(_ context.Context, resp *crawler.Response) (crawler.Stream, error) {
	item := crawler.Item{
		"url":    resp.URL,
		"status": resp.StatusCode,
		"bytes":  len(resp.Body),
	}
	if resp.Request != nil {
		item["depth"] = resp.Request.Depth
	}
	if !isHTML(resp) {
		return crawler.Items(item), nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", resp.URL, err)
	}
	item["title"] = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		item["description"] = strings.TrimSpace(desc)
	}

	var links []string
	if s.cfg.Follow {
		links = s.extractLinks(doc, resp.URL)
	}
	item["links"] = len(links)

	return crawler.FromSeq(func(yield func(crawler.Output, error) bool) {
		if !yield(crawler.ItemOutput(item), nil) {
			return
		}
		for _, link := range links {
			if !yield(crawler.RequestOutput(resp.Request.Follow(link)), nil) {
				return
			}
		}
	}), nil
}

// Errback turns a fault into an error item.
func (s *Spider) Errback(_ context.Context, resp *crawler.Response, fault error) (crawler.Stream, error) {
	item := crawler.Item{
		"url":   resp.URL,
		"error": fault.Error(),
	}
	if resp.StatusCode != 0 {
		item["status"] = resp.StatusCode
	}
	s.logger.Debug("page failed", zap.String("url", resp.URL), zap.Error(fault))
	return crawler.Items(item), nil
}

func (s *Spider) extractLinks(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if s.cfg.MaxLinksPerPage > 0 && len(links) >= s.cfg.MaxLinksPerPage {
			return false
		}
		if rel, _ := sel.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
			return true
		}
		href, _ := sel.Attr("href")
		ref, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		normalized, err := crawler.NormalizeURL(ref.String())
		if err != nil {
			return true
		}
		if _, dup := seen[normalized]; dup {
			return true
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
		return true
	})
	return links
}

func isHTML(resp *crawler.Response) bool {
	ct := resp.Headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
