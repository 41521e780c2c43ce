package crawler

import (
	"context"
	"iter"
	"time"
)

// Fetcher retrieves a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// SeenSet records which URL hashes have been durably indexed.
type SeenSet interface {
	Contains(ctx context.Context, hash URLHash) (bool, error)
	Add(ctx context.Context, hash URLHash) error
}

// IndexStore is the document store that doubles as the frontier source.
// Scan results only need ID, URL and Anchors populated.
type IndexStore interface {
	Upsert(ctx context.Context, id string, doc Document) error
	Search(ctx context.Context, query SearchQuery) ([]SearchHit, error)
	Scan(ctx context.Context, query ScanQuery) iter.Seq2[Document, error]
	Refresh(ctx context.Context) error
}

// Journal is the append-only durable record of ingested pages.
type Journal interface {
	Append(ctx context.Context, page PageRecord) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// RetryPolicy decides whether and when a failed operation is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
