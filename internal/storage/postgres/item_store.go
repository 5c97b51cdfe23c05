package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ItemStore writes item index rows.
type ItemStore struct {
	pool  Pool
	table string
}

var _ crawler.ItemRecorder = (*ItemStore)(nil)

// NewItemStore wraps an open pool. table defaults to spider_items.
func NewItemStore(pool Pool, table string) (*ItemStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "spider_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ItemStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the item table when it is missing.
func (s *ItemStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          UUID PRIMARY KEY,
	run_id      UUID NOT NULL,
	url         TEXT NOT NULL,
	hash        TEXT NOT NULL,
	blob_uri    TEXT NOT NULL,
	message_id  TEXT,
	scraped_at  TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure item schema: %w", err)
	}
	return nil
}

// RecordItem inserts rec. Re-recording the same ID is a no-op.
func (s *ItemStore) RecordItem(ctx context.Context, rec crawler.ItemRecord) error {
	if rec.ID == "" {
		return errors.New("item id is required")
	}
	var messageID *string
	if rec.MessageID != "" {
		messageID = &rec.MessageID
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, run_id, url, hash, blob_uri, message_id, scraped_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.RunID,
		rec.URL,
		rec.Hash,
		rec.BlobURI,
		messageID,
		rec.ScrapedAt,
	); err != nil {
		return fmt.Errorf("insert item record: %w", err)
	}
	return nil
}
