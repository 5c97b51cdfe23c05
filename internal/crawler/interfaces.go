package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher downloads a request and returns the response bound to it.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Queue provides enqueue/dequeue semantics for scheduled requests.
type Queue interface {
	Enqueue(ctx context.Context, req *Request) error
	Dequeue(ctx context.Context) (*Request, error)
	Len() int
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes item notifications to Pub/Sub (or similar) and returns the
// message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RunStore tracks runs started through the API.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, id string, update func(*Run)) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context) ([]Run, error)
}

// ItemRecord indexes one stored item.
type ItemRecord struct {
	ID        string
	RunID     string
	URL       string
	Hash      string
	BlobURI   string
	MessageID string
	ScrapedAt time.Time
}

// ItemRecorder persists item index rows.
type ItemRecorder interface {
	RecordItem(ctx context.Context, rec ItemRecord) error
}
