// Package pipeline persists scraped items: each item is encoded as JSON,
// written to a blob store under a content-addressed path, announced on a
// topic and optionally indexed.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

// Config controls where items go.
type Config struct {
	// Prefix is the blob path prefix, e.g. "items".
	Prefix string
	// Topic receives one notification per item. Empty disables publishing.
	Topic string
}

// Notification is the message published for each stored item.
type Notification struct {
	ItemID    string    `json:"item_id"`
	RunID     string    `json:"run_id"`
	URL       string    `json:"url"`
	Hash      string    `json:"hash"`
	BlobURI   string    `json:"blob_uri"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// Result describes a stored item.
type Result struct {
	Notification
	MessageID string
}

// Deps are the pipeline collaborators. Publisher and Recorder are optional.
type Deps struct {
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Recorder  crawler.ItemRecorder
	Hasher    crawler.Hasher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Blobs == nil:
		return nil, errors.New("blob store is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger.Named("pipeline")}, nil
}

// Process stores item for runID. sourceURL is the page it was scraped from.
func (p *Pipeline) Process(ctx context.Context, runID, sourceURL string, item crawler.Item) (Result, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return Result{}, fmt.Errorf("encode item from %s: %w", sourceURL, err)
	}
	hash, err := p.deps.Hasher.Hash(data)
	if err != nil {
		return Result{}, fmt.Errorf("hash item: %w", err)
	}
	itemID, err := p.deps.IDs.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("item id: %w", err)
	}

	objectPath := path.Join(p.cfg.Prefix, runID, hash+".json")
	uri, err := p.deps.Blobs.PutObject(ctx, objectPath, "application/json", bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("store item %s: %w", objectPath, err)
	}

	res := Result{Notification: Notification{
		ItemID:    itemID,
		RunID:     runID,
		URL:       sourceURL,
		Hash:      hash,
		BlobURI:   uri,
		ScrapedAt: p.deps.Clock.Now(),
	}}
	if p.deps.Publisher != nil && p.cfg.Topic != "" {
		res.MessageID, err = p.deps.Publisher.Publish(ctx, p.cfg.Topic, res.Notification)
		if err != nil {
			return res, fmt.Errorf("publish item %s: %w", itemID, err)
		}
	}
	if p.deps.Recorder != nil {
		if err := p.deps.Recorder.RecordItem(ctx, crawler.ItemRecord{
			ID:        itemID,
			RunID:     runID,
			URL:       sourceURL,
			Hash:      hash,
			BlobURI:   uri,
			MessageID: res.MessageID,
			ScrapedAt: res.ScrapedAt,
		}); err != nil {
			return res, fmt.Errorf("record item %s: %w", itemID, err)
		}
	}
	p.logger.Debug("item stored",
		zap.String("run_id", runID),
		zap.String("url", sourceURL),
		zap.String("blob_uri", uri),
	)
	return res, nil
}
