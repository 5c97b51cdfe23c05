package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spider-pipeline/internal/crawler"
)

func TestItemStoreRecordItem(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	items, err := NewItemStore(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	msgID := "msg-1"
	rec := crawler.ItemRecord{
		ID:        uuid.NewString(),
		RunID:     uuid.NewString(),
		URL:       "https://example.com/a",
		Hash:      "abc123",
		BlobURI:   "memory://items/run/abc123.json",
		MessageID: msgID,
		ScrapedAt: now,
	}

	mock.ExpectExec("INSERT INTO spider_items").
		WithArgs(rec.ID, rec.RunID, rec.URL, rec.Hash, rec.BlobURI, &msgID, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, items.RecordItem(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStoreValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewItemStore(mock, "items; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewItemStore(nil, "")
	require.Error(t, err)

	items, err := NewItemStore(mock, "custom_items")
	require.NoError(t, err)
	require.ErrorContains(t, items.RecordItem(context.Background(), crawler.ItemRecord{}), "item id is required")
}

func TestItemStoreEnsureSchemaUsesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	items, err := NewItemStore(mock, "custom_items")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS custom_items").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, items.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
