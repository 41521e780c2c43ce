// Package pipeline turns extracted pages into indexed documents. Every item
// passes Clean, Dedupe, Index-write, Mark-seen and Journal in that order; a
// URL is only marked seen after its document has been durably written.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/extract"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

// Drop reasons reported in DropError and the drops metric.
const (
	ReasonMalformed        = "malformed"
	ReasonDuplicate        = "duplicate"
	ReasonStoreUnavailable = "store-unavailable"
)

// DropError reports an item that left the pipeline without being indexed.
type DropError struct {
	Reason string
	Err    error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("item dropped (%s): %v", e.Reason, e.Err)
}

func (e *DropError) Unwrap() error {
	return e.Err
}

// Config tunes the index-write retry loop.
type Config struct {
	WriteAttempts  int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Retry overrides the policy derived from the fields above.
	Retry crawler.RetryPolicy
}

// Stats is a point-in-time snapshot of pipeline outcomes.
type Stats struct {
	Indexed          int64 `json:"indexed"`
	Duplicates       int64 `json:"duplicates"`
	Malformed        int64 `json:"malformed"`
	StoreUnavailable int64 `json:"store_unavailable"`
}

// Pipeline ingests crawled items. It is safe for concurrent use.
type Pipeline struct {
	index   crawler.IndexStore
	seen    crawler.SeenSet
	journal crawler.Journal
	retry   crawler.RetryPolicy
	logger  *zap.Logger

	indexed          atomic.Int64
	duplicates       atomic.Int64
	malformed        atomic.Int64
	storeUnavailable atomic.Int64
}

// New constructs a Pipeline. journal may be nil when the durable log is
// disabled.
func New(
	index crawler.IndexStore,
	seen crawler.SeenSet,
	journal crawler.Journal,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.Retry
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(
			cfg.WriteAttempts,
			cfg.BackoffInitial,
			cfg.BackoffMax,
			crawler.WithClassifier(crawler.IsTransientStoreError),
		)
	}
	return &Pipeline{
		index:   index,
		seen:    seen,
		journal: journal,
		retry:   retry,
		logger:  logger,
	}
}

// Ingest runs item through every stage. A nil return means the page is
// indexed and marked seen; drops are reported as *DropError.
func (p *Pipeline) Ingest(ctx context.Context, item crawler.Item) error {
	page, hash, err := p.clean(item.Page)
	if err != nil {
		return p.drop(ReasonMalformed, item.Page.URL, err)
	}

	if crawler.SeenOrFailOpen(ctx, p.seen, hash, p.logger) {
		return p.drop(ReasonDuplicate, page.URL, crawler.ErrDuplicate)
	}

	// From here on the item runs to completion even if the crawl is stopped.
	ctx = context.WithoutCancel(ctx)

	if err := p.write(ctx, hash, page); err != nil {
		return p.drop(ReasonStoreUnavailable, page.URL, fmt.Errorf("%w: %w", crawler.ErrStoreUnavailable, err))
	}

	p.markSeen(ctx, hash, page.URL, item.RequestedURL)

	if p.journal != nil {
		if err := p.journal.Append(ctx, page); err != nil {
			p.logger.Warn("journal append failed", zap.String("url", page.URL), zap.Error(err))
		}
	}

	p.indexed.Add(1)
	metrics.ObserveIndexed(metrics.SanitizeSite(page.URL))
	p.logger.Debug("page indexed", zap.String("url", page.URL), zap.String("id", string(hash)))
	return nil
}

// Stats returns the current outcome counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Indexed:          p.indexed.Load(),
		Duplicates:       p.duplicates.Load(),
		Malformed:        p.malformed.Load(),
		StoreUnavailable: p.storeUnavailable.Load(),
	}
}

func (p *Pipeline) clean(page crawler.PageRecord) (crawler.PageRecord, crawler.URLHash, error) {
	if page.URL == "" {
		return page, "", crawler.ErrMissingURL
	}
	hash, err := crawler.HashURL(page.URL)
	if err != nil {
		return page, "", err
	}
	page.Title = extract.CleanText(page.Title)
	if page.Title == "" {
		page.Title = "untitled"
	}
	page.Content = extract.CleanText(page.Content)
	return page, hash, nil
}

func (p *Pipeline) write(ctx context.Context, hash crawler.URLHash, page crawler.PageRecord) error {
	doc := crawler.NewDocument(hash, page)
	for attempt := 1; ; attempt++ {
		err := p.index.Upsert(ctx, doc.ID, doc)
		if err == nil {
			return nil
		}
		if !p.retry.ShouldRetry(err, attempt) {
			return fmt.Errorf("upsert after %d attempts: %w", attempt, err)
		}
		metrics.ObserveIndexWriteRetry()
		p.logger.Warn("index write failed, retrying",
			zap.String("url", page.URL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := crawler.Pause(ctx, p.retry.Backoff(attempt)); err != nil {
			return err
		}
	}
}

func (p *Pipeline) markSeen(ctx context.Context, hash crawler.URLHash, finalURL, requestedURL string) {
	hashes := []crawler.URLHash{hash}
	if requestedURL != "" && requestedURL != finalURL {
		if alias, err := crawler.HashURL(requestedURL); err == nil && alias != hash {
			hashes = append(hashes, alias)
		}
	}
	if p.seen == nil {
		return
	}
	for _, h := range hashes {
		if err := p.seen.Add(ctx, h); err != nil {
			p.logger.Warn("mark seen failed", zap.String("url", finalURL), zap.String("hash", string(h)), zap.Error(err))
		}
	}
}

func (p *Pipeline) drop(reason, url string, err error) error {
	switch reason {
	case ReasonDuplicate:
		p.duplicates.Add(1)
		p.logger.Debug("dropping duplicate", zap.String("url", url))
	case ReasonMalformed:
		p.malformed.Add(1)
		p.logger.Debug("dropping malformed item", zap.String("url", url), zap.Error(err))
	case ReasonStoreUnavailable:
		p.storeUnavailable.Add(1)
		p.logger.Error("index store unavailable, dropping item", zap.String("url", url), zap.Error(err))
	}
	metrics.ObserveDrop(reason)
	return &DropError{Reason: reason, Err: err}
}

// IsDrop reports whether err is a pipeline drop and returns its reason.
func IsDrop(err error) (string, bool) {
	var dropErr *DropError
	if errors.As(err, &dropErr) {
		return dropErr.Reason, true
	}
	return "", false
}
