// Package scheduler drives the crawl as an explicit state machine:
//
//	FILLING   -> DRAINING   batch enqueued at least one task
//	FILLING   -> IDLE_WAIT  first empty fill, backs off then refills
//	FILLING   -> STOPPED    second consecutive empty fill
//	DRAINING  -> IDLE_WAIT  queue empty and nothing in flight
//	IDLE_WAIT -> FILLING
//	any       -> STOPPED    operator stop, context cancel or item ceiling
//
// Fills only ever run on the loop goroutine, so at most one is in progress.
// Anchors extracted while draining are not enqueued; they become reachable
// through the index on a later fill.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/extract"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

// State is a scheduler lifecycle state.
type State string

// Scheduler states.
const (
	StateFilling  State = "FILLING"
	StateDraining State = "DRAINING"
	StateIdleWait State = "IDLE_WAIT"
	StateStopped  State = "STOPPED"
)

var allStates = []string{
	string(StateFilling), string(StateDraining), string(StateIdleWait), string(StateStopped),
}

// Reasons reported in Stats.StopReason.
const (
	StopOperator  = "operator"
	StopCanceled  = "canceled"
	StopCeiling   = "item_ceiling"
	StopExhausted = "frontier_exhausted"
)

// maxEmptyFills is the number of consecutive empty fills that ends the crawl.
const maxEmptyFills = 2

// idlePoll bounds how long the drain loop sleeps when no result is pending.
const idlePoll = 250 * time.Millisecond

// BatchSource supplies candidate URLs. URLs for which skip reports true
// must not count toward target.
type BatchSource interface {
	FetchBatch(ctx context.Context, target int, skip func(crawler.URLHash) bool) ([]string, error)
}

// Extractor turns a fetched response into a page record.
type Extractor interface {
	Extract(resp crawler.FetchResponse) crawler.PageRecord
}

// Ingester consumes extracted pages.
type Ingester interface {
	Ingest(ctx context.Context, item crawler.Item) error
}

// Gate paces requests per host.
type Gate interface {
	Permit(host string) bool
	TryAcquire(host string) (func(), bool)
	Wait(ctx context.Context, host string) error
}

// Config tunes the scheduler.
type Config struct {
	Concurrency      int
	BatchSize        int
	ItemCeiling      int
	EmptyFillBackoff time.Duration
	FetchRetries     int
	// FetchRetry overrides the policy derived from FetchRetries.
	FetchRetry crawler.RetryPolicy
	// Admission is re-applied to the post-redirect URL. A zero value admits
	// every redirect target.
	Admission crawler.Admission
}

// Stats is a snapshot of scheduler progress.
type Stats struct {
	State      State     `json:"state"`
	StopReason string    `json:"stop_reason,omitempty"`
	Queued     int       `json:"queued"`
	InFlight   int       `json:"in_flight"`
	Fills      int       `json:"fills"`
	EmptyFills int       `json:"consecutive_empty_fills"`
	Enqueued   int       `json:"enqueued"`
	Fetched    int       `json:"fetched"`
	Stored     int       `json:"stored"`
	Dropped    int       `json:"dropped"`
	Failed     int       `json:"failed"`
	Retried    int       `json:"retried"`
	Hosts      int       `json:"hosts"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	StoppedAt  time.Time `json:"stopped_at,omitzero"`
}

// Scheduler owns the live queue and the in-flight set.
type Scheduler struct {
	source    BatchSource
	fetcher   crawler.Fetcher
	extractor Extractor
	ingester  Ingester
	gate      Gate
	seen      crawler.SeenSet
	index     crawler.IndexStore
	clock     crawler.Clock
	retry     crawler.RetryPolicy
	cfg       Config
	logger    *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	// Loop-owned.
	queue     []crawler.FetchTask
	attempted map[crawler.URLHash]struct{}
	hosts     map[string]struct{}

	mu    sync.Mutex
	stats Stats
}

type result struct {
	task     crawler.FetchTask
	fetched  bool
	ingested bool
	err      error
}

// New constructs a Scheduler. index is refreshed when the crawl stops and
// may be nil.
func New(
	source BatchSource,
	fetcher crawler.Fetcher,
	extractor Extractor,
	ingester Ingester,
	gate Gate,
	seen crawler.SeenSet,
	index crawler.IndexStore,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.FetchRetry
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(
			1+cfg.FetchRetries,
			500*time.Millisecond,
			10*time.Second,
			crawler.WithClassifier(crawler.IsTransientFetchError),
		)
	}
	return &Scheduler{
		source:    source,
		fetcher:   fetcher,
		extractor: extractor,
		ingester:  ingester,
		gate:      gate,
		seen:      seen,
		index:     index,
		clock:     clock,
		retry:     retry,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		attempted: make(map[crawler.URLHash]struct{}),
		hosts:     make(map[string]struct{}),
	}
}

// Stop asks the scheduler to finish. It is safe to call more than once and
// before Run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.State == "" {
		return StateIdleWait
	}
	return s.stats.State
}

// Stats returns a snapshot of progress counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run crawls until the frontier is exhausted, Stop is called, ctx is
// canceled or the item ceiling is reached. In-flight items are allowed to
// finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		if s.State() == StateStopped {
			return fmt.Errorf("run: %w", crawler.ErrStopped)
		}
		return errors.New("scheduler already running")
	}
	s.update(func(st *Stats) { st.StartedAt = s.clock.Now() })
	s.logger.Info("crawl starting",
		zap.Int("concurrency", s.cfg.Concurrency),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("item_ceiling", s.cfg.ItemCeiling),
	)

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	var workers errgroup.Group
	results := make(chan result, s.cfg.Concurrency)

	reason := s.loop(workCtx, &workers, results)

	cancelWork()
	for s.Stats().InFlight > 0 {
		s.handle(<-results)
	}
	if err := workers.Wait(); err != nil {
		s.logger.Warn("worker error", zap.Error(err))
	}
	s.finish(ctx, reason)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, workers *errgroup.Group, results chan result) string {
	emptyFills := 0
	for {
		if reason := s.stopReason(ctx); reason != "" {
			return reason
		}

		s.setState(StateFilling)
		n, err := s.fill(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Warn("fill failed, counting as empty", zap.Error(err))
		}
		if n == 0 {
			emptyFills++
			s.update(func(st *Stats) { st.EmptyFills = emptyFills })
			if emptyFills >= maxEmptyFills {
				s.logger.Info("frontier exhausted", zap.Int("empty_fills", emptyFills))
				return StopExhausted
			}
			s.setState(StateIdleWait)
			s.logger.Info("empty fill, backing off", zap.Duration("backoff", s.cfg.EmptyFillBackoff))
			s.sleep(ctx, s.cfg.EmptyFillBackoff)
			continue
		}
		emptyFills = 0
		s.update(func(st *Stats) { st.EmptyFills = 0 })

		s.setState(StateDraining)
		if !s.drain(ctx, workers, results) {
			continue
		}
		s.setState(StateIdleWait)
	}
}

// fill asks the source for a batch and enqueues every URL that passes the
// enqueue-time checks. It returns the number of tasks enqueued.
func (s *Scheduler) fill(ctx context.Context) (int, error) {
	batch, err := s.source.FetchBatch(ctx, s.cfg.BatchSize, s.wasAttempted)
	if err != nil {
		return 0, fmt.Errorf("fetch batch: %w", err)
	}
	now := s.clock.Now()
	enqueued := 0
	for _, raw := range batch {
		hash, err := crawler.HashURL(raw)
		if err != nil {
			continue
		}
		if _, dup := s.attempted[hash]; dup {
			continue
		}
		host := crawler.Hostname(raw)
		if !s.gate.Permit(host) {
			continue
		}
		if crawler.SeenOrFailOpen(ctx, s.seen, hash, s.logger) {
			continue
		}
		s.attempted[hash] = struct{}{}
		s.discover(host)
		s.queue = append(s.queue, crawler.FetchTask{URL: raw, EnqueuedAt: now})
		enqueued++
	}
	s.update(func(st *Stats) {
		st.Fills++
		st.Enqueued += enqueued
		st.Queued = len(s.queue)
		st.Hosts = len(s.hosts)
	})
	metrics.SetQueueDepth(len(s.queue))
	s.logger.Info("fill complete", zap.Int("candidates", len(batch)), zap.Int("enqueued", enqueued))
	return enqueued, nil
}

// wasAttempted reports whether hash was enqueued earlier in this process. It
// reads loop-owned state and is only valid during fill.
func (s *Scheduler) wasAttempted(hash crawler.URLHash) bool {
	_, ok := s.attempted[hash]
	return ok
}

func (s *Scheduler) discover(host string) {
	if _, ok := s.hosts[host]; ok {
		return
	}
	s.hosts[host] = struct{}{}
	s.logger.Info("discovered host", zap.String("host", host), zap.Int("hosts", len(s.hosts)))
}

// drain dispatches queued tasks until the queue is empty and nothing is in
// flight. It returns false when interrupted by a stop condition.
func (s *Scheduler) drain(ctx context.Context, workers *errgroup.Group, results chan result) bool {
	for {
		if s.stopReason(ctx) != "" {
			return false
		}
		s.dispatch(ctx, workers, results)
		st := s.Stats()
		if st.Queued == 0 && st.InFlight == 0 {
			return true
		}

		timer := time.NewTimer(s.nextWait())
		select {
		case res := <-results:
			s.handle(res)
		case <-timer.C:
		case <-s.stopCh:
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

func (s *Scheduler) dispatch(ctx context.Context, workers *errgroup.Group, results chan result) {
	now := s.clock.Now()
	inFlight := s.Stats().InFlight
	kept := make([]crawler.FetchTask, 0, len(s.queue))
	for i, task := range s.queue {
		if inFlight >= s.cfg.Concurrency || s.atCeiling(inFlight) {
			kept = append(kept, s.queue[i:]...)
			break
		}
		if task.NotBefore.After(now) {
			kept = append(kept, task)
			continue
		}
		host := crawler.Hostname(task.URL)
		release, ok := s.gate.TryAcquire(host)
		if !ok {
			kept = append(kept, task)
			continue
		}
		inFlight++
		workers.Go(func() error {
			results <- s.work(ctx, task, host, release)
			return nil
		})
	}
	s.queue = kept
	s.update(func(st *Stats) {
		st.Queued = len(kept)
		st.InFlight = inFlight
	})
	metrics.SetQueueDepth(len(kept))
	metrics.SetInFlight(inFlight)
}

func (s *Scheduler) work(ctx context.Context, task crawler.FetchTask, host string, release func()) result {
	defer release()
	if err := s.gate.Wait(ctx, host); err != nil {
		return result{task: task, err: err}
	}
	resp, err := s.fetcher.Fetch(ctx, task.URL)
	if err != nil {
		return result{task: task, err: err}
	}
	if err := s.admitRedirect(resp); err != nil {
		return result{task: task, fetched: true, err: err}
	}
	if !extract.IsHTML(resp) {
		return result{task: task, fetched: true, err: fmt.Errorf("%s: %w", task.URL, crawler.ErrUnsupportedContent)}
	}
	page := s.extractor.Extract(resp)
	page.Metadata.CrawlTime = s.clock.Now()
	err = s.ingester.Ingest(ctx, crawler.Item{Page: page, RequestedURL: task.URL})
	return result{task: task, fetched: true, ingested: true, err: err}
}

// admitRedirect rejects responses whose final URL left the crawl scope or
// landed on a denied path.
func (s *Scheduler) admitRedirect(resp crawler.FetchResponse) error {
	if s.cfg.Admission.Scope == nil {
		return nil
	}
	final := resp.EffectiveURL()
	if final == resp.URL {
		return nil
	}
	if err := s.cfg.Admission.Check(final); err != nil {
		s.logger.Debug("redirect rejected",
			zap.String("url", resp.URL),
			zap.String("final_url", final),
			zap.Error(err),
		)
		return fmt.Errorf("redirect %s -> %s: %w", resp.URL, final, err)
	}
	return nil
}

func (s *Scheduler) handle(res result) {
	s.update(func(st *Stats) {
		st.InFlight--
		if res.fetched {
			st.Fetched++
		}
	})
	metrics.SetInFlight(s.Stats().InFlight)

	switch {
	case res.err == nil:
		s.update(func(st *Stats) { st.Stored++ })
	case res.ingested:
		s.update(func(st *Stats) { st.Dropped++ })
	case errors.Is(res.err, context.Canceled):
		s.logger.Debug("fetch canceled", zap.String("url", res.task.URL))
	case s.retry.ShouldRetry(res.err, res.task.Attempt+1):
		next := res.task
		next.Attempt++
		next.NotBefore = s.clock.Now().Add(s.retry.Backoff(next.Attempt))
		s.queue = append(s.queue, next)
		s.update(func(st *Stats) {
			st.Retried++
			st.Queued = len(s.queue)
		})
		s.logger.Debug("requeueing fetch",
			zap.String("url", res.task.URL),
			zap.Int("attempt", next.Attempt),
			zap.Error(res.err),
		)
	default:
		s.update(func(st *Stats) { st.Failed++ })
		s.logger.Debug("fetch failed", zap.String("url", res.task.URL), zap.Error(res.err))
	}
}

// atCeiling reports whether dispatching one more task could push the stored
// count past the item ceiling.
func (s *Scheduler) atCeiling(inFlight int) bool {
	if s.cfg.ItemCeiling <= 0 {
		return false
	}
	return s.Stats().Stored+inFlight >= s.cfg.ItemCeiling
}

func (s *Scheduler) stopReason(ctx context.Context) string {
	select {
	case <-s.stopCh:
		return StopOperator
	default:
	}
	if ctx.Err() != nil {
		return StopCanceled
	}
	if s.cfg.ItemCeiling > 0 && s.Stats().Stored >= s.cfg.ItemCeiling {
		return StopCeiling
	}
	return ""
}

func (s *Scheduler) nextWait() time.Duration {
	wait := idlePoll
	now := s.clock.Now()
	for _, task := range s.queue {
		if d := task.NotBefore.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	return wait
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopCh:
	case <-ctx.Done():
	}
}

func (s *Scheduler) finish(ctx context.Context, reason string) {
	s.queue = nil
	s.update(func(st *Stats) {
		st.StopReason = reason
		st.StoppedAt = s.clock.Now()
		st.Queued = 0
	})
	s.setState(StateStopped)
	metrics.SetQueueDepth(0)
	if s.index != nil {
		if err := s.index.Refresh(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("index refresh failed", zap.Error(err))
		}
	}
	st := s.Stats()
	s.logger.Info("crawl stopped",
		zap.String("reason", reason),
		zap.Int("stored", st.Stored),
		zap.Int("dropped", st.Dropped),
		zap.Int("failed", st.Failed),
		zap.Int("hosts", st.Hosts),
	)
}

func (s *Scheduler) setState(state State) {
	s.update(func(st *Stats) { st.State = state })
	metrics.SetSchedulerState(string(state), allStates)
}

func (s *Scheduler) update(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
