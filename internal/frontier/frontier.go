// Package frontier builds crawl batches by sampling anchors from pages that
// are already indexed, falling back to a static seed list when the index
// yields nothing.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

// DefaultOversample is how many indexed pages are sampled per wanted URL.
const DefaultOversample = 5

// Config controls batch sampling.
type Config struct {
	Oversample   int
	FallbackURLs []string
}

// Source produces candidate URLs for the scheduler. FetchBatch is called
// from a single goroutine at a time, but Source is safe for concurrent use.
type Source struct {
	index     crawler.IndexStore
	seen      crawler.SeenSet
	admission crawler.Admission
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	offered map[string]struct{}
}

// New constructs a Source.
func New(
	index crawler.IndexStore,
	seen crawler.SeenSet,
	admission crawler.Admission,
	cfg Config,
	logger *zap.Logger,
) *Source {
	if cfg.Oversample <= 0 {
		cfg.Oversample = DefaultOversample
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		index:     index,
		seen:      seen,
		admission: admission,
		cfg:       cfg,
		logger:    logger,
		offered:   make(map[string]struct{}),
	}
}

// FetchBatch returns up to target unseen, admissible URLs. Candidates for
// which skip reports true do not count toward target; callers use it to
// exclude URLs they have already attempted. skip may be nil. An empty batch
// with a nil error means the frontier is exhausted for now. Errors are only
// returned when ctx is done.
func (s *Source) FetchBatch(ctx context.Context, target int, skip func(crawler.URLHash) bool) ([]string, error) {
	if target <= 0 {
		return nil, nil
	}
	batch, indexErr := s.sample(ctx, target, skip)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch batch: %w", err)
	}
	if indexErr != nil {
		s.logger.Warn("index sampling failed", zap.Int("collected", len(batch)), zap.Error(indexErr))
	}
	if len(batch) > 0 {
		metrics.ObserveFrontierFill("index")
		return batch, nil
	}

	batch = s.fallback(ctx, target, skip)
	if len(batch) > 0 {
		s.logger.Info("using fallback seed urls", zap.Int("count", len(batch)))
		metrics.ObserveFrontierFill("fallback")
		return batch, nil
	}
	metrics.ObserveFrontierFill("empty")
	return nil, nil
}

func (s *Source) sample(ctx context.Context, target int, skip func(crawler.URLHash) bool) ([]string, error) {
	if s.index == nil {
		return nil, errors.New("no index configured")
	}
	unique := make(map[string]struct{}, target)
	batch := make([]string, 0, target)
	query := crawler.ScanQuery{Random: true, Limit: target * s.cfg.Oversample}
	for doc, err := range s.index.Scan(ctx, query) {
		if err != nil {
			return batch, fmt.Errorf("scan index: %w", err)
		}
		for _, anchor := range doc.Anchors {
			if _, dup := unique[anchor.Href]; dup {
				continue
			}
			unique[anchor.Href] = struct{}{}
			if !s.accept(ctx, anchor.Href, skip) {
				continue
			}
			batch = append(batch, anchor.Href)
			if len(batch) >= target {
				return batch, nil
			}
		}
	}
	return batch, nil
}

func (s *Source) fallback(ctx context.Context, target int, skip func(crawler.URLHash) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var batch []string
	for _, raw := range s.cfg.FallbackURLs {
		if len(batch) >= target {
			break
		}
		if _, done := s.offered[raw]; done {
			continue
		}
		s.offered[raw] = struct{}{}
		if !s.accept(ctx, raw, skip) {
			continue
		}
		batch = append(batch, raw)
	}
	return batch
}

// accept applies the admission rules, the caller's skip predicate and the
// seen-set to one candidate.
func (s *Source) accept(ctx context.Context, raw string, skip func(crawler.URLHash) bool) bool {
	if err := s.admission.Check(raw); err != nil {
		metrics.ObserveFrontierFiltered(filterReason(err))
		return false
	}
	hash, err := crawler.HashURL(raw)
	if err != nil {
		metrics.ObserveFrontierFiltered("malformed")
		return false
	}
	if skip != nil && skip(hash) {
		metrics.ObserveFrontierFiltered("attempted")
		return false
	}
	if crawler.SeenOrFailOpen(ctx, s.seen, hash, s.logger) {
		metrics.ObserveFrontierFiltered("seen")
		return false
	}
	return true
}

func filterReason(err error) string {
	switch {
	case errors.Is(err, crawler.ErrDenied):
		return "denied"
	case errors.Is(err, crawler.ErrOutOfScope):
		return "out_of_scope"
	case errors.Is(err, crawler.ErrUnsupportedScheme):
		return "scheme"
	default:
		return "malformed"
	}
}
