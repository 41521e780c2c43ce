package scheduler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/frontier"
	indexmemory "github.com/JakeFAU/campus-crawler/internal/index/memory"
	"github.com/JakeFAU/campus-crawler/internal/pipeline"
	"github.com/JakeFAU/campus-crawler/internal/politeness"
	seenmemory "github.com/JakeFAU/campus-crawler/internal/seen/memory"
)

type scriptedSource struct {
	mu      sync.Mutex
	batches [][]string
	calls   int
}

func (s *scriptedSource) FetchBatch(context.Context, int, func(crawler.URLHash) bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.batches) == 0 {
		return nil, nil
	}
	next := s.batches[0]
	s.batches = s.batches[1:]
	return next, nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeFetcher struct {
	mu        sync.Mutex
	failures  map[string][]error
	redirects map[string]string
	calls     map[string]int
	block     chan struct{}
	started   chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		failures:  make(map[string][]error),
		redirects: make(map[string]string),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls[url]++
	var err error
	if errs := f.failures[url]; len(errs) > 0 {
		err = errs[0]
		f.failures[url] = errs[1:]
	}
	final := url
	if target, ok := f.redirects[url]; ok {
		final = target
	}
	f.mu.Unlock()

	if f.started != nil {
		f.started <- url
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return crawler.FetchResponse{
		URL:        url,
		FinalURL:   final,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte("<html><title>t</title><body>hello</body></html>"),
	}, nil
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type stubExtractor struct{}

func (stubExtractor) Extract(resp crawler.FetchResponse) crawler.PageRecord {
	return crawler.PageRecord{URL: resp.EffectiveURL(), Title: "t", Content: "hello"}
}

type refreshCounter struct {
	*indexmemory.Store
	refreshes atomic.Int32
}

func (r *refreshCounter) Refresh(ctx context.Context) error {
	r.refreshes.Add(1)
	return r.Store.Refresh(ctx)
}

type harness struct {
	source  *scriptedSource
	fetcher *fakeFetcher
	index   *refreshCounter
	seen    *seenmemory.Set
	sched   *Scheduler
}

func nankaiAdmission() crawler.Admission {
	return crawler.Admission{
		Scope: crawler.NewDomainScope([]string{"nankai.edu.cn"}),
		Deny:  crawler.MustDenyRules(),
	}
}

func newHarness(cfg Config, batches ...[]string) *harness {
	return newHarnessWithSource(cfg, &scriptedSource{batches: batches}, nil)
}

// newHarnessWithSource builds a harness around scripted, or around the
// source returned by build when build is non-nil.
func newHarnessWithSource(cfg Config, scripted *scriptedSource, build func(*harness) BatchSource) *harness {
	h := &harness{
		source:  scripted,
		fetcher: newFakeFetcher(),
		index:   &refreshCounter{Store: indexmemory.New()},
		seen:    seenmemory.New(),
	}
	if cfg.Admission.Scope == nil {
		cfg.Admission = nankaiAdmission()
	}
	if cfg.EmptyFillBackoff == 0 {
		cfg.EmptyFillBackoff = time.Millisecond
	}
	if cfg.FetchRetry == nil {
		cfg.FetchRetry = crawler.NewExponentialRetryPolicy(1+cfg.FetchRetries, time.Millisecond, time.Millisecond,
			crawler.WithClassifier(crawler.IsTransientFetchError))
	}
	pipe := pipeline.New(h.index, h.seen, nil, pipeline.Config{
		WriteAttempts:  3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}, zap.NewNop())
	gate := politeness.New(politeness.Config{AllowedDomains: []string{"nankai.edu.cn"}, PerDomainConcurrency: 2}, zap.NewNop())
	var source BatchSource = h.source
	if build != nil {
		source = build(h)
	}
	h.sched = New(source, h.fetcher, stubExtractor{}, pipe, gate, h.seen, h.index, nil, cfg, zap.NewNop())
	return h
}

func runWithTimeout(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.NoError(t, ctx.Err(), "scheduler did not stop on its own")
}

func TestRunStopsAfterTwoEmptyFills(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 4})
	runWithTimeout(t, h.sched)

	require.Equal(t, 2, h.source.Calls(), "a third fill must never run")
	st := h.sched.Stats()
	require.Equal(t, StateStopped, st.State)
	require.Equal(t, StopExhausted, st.StopReason)
	require.Equal(t, int32(1), h.index.refreshes.Load())
}

func TestRunRetriesFillAfterOneEmptyFill(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 4}, nil, []string{"https://www.nankai.edu.cn/a"})
	runWithTimeout(t, h.sched)

	require.Equal(t, 4, h.source.Calls())
	st := h.sched.Stats()
	require.Equal(t, 1, st.Stored)
	require.Equal(t, 1, h.index.Len())
}

func TestRunDrainsBatchAndSkipsInvalidURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 4}, []string{
		"https://www.nankai.edu.cn/a",
		"https://news.nankai.edu.cn/b",
		"https://www.nankai.edu.cn/a",
		"https://www.example.com/c",
		"::not a url",
	})
	runWithTimeout(t, h.sched)

	st := h.sched.Stats()
	require.Equal(t, 2, st.Enqueued)
	require.Equal(t, 2, st.Stored)
	require.Equal(t, 2, st.Hosts)
	require.Equal(t, 0, h.fetcher.Calls("https://www.example.com/c"))
}

func TestRunSkipsURLsAlreadySeen(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 4}, []string{"https://www.nankai.edu.cn/a"})
	hash, err := crawler.HashURL("https://www.nankai.edu.cn/a")
	require.NoError(t, err)
	require.NoError(t, h.seen.Add(context.Background(), hash))

	runWithTimeout(t, h.sched)

	require.Equal(t, 0, h.fetcher.Calls("https://www.nankai.edu.cn/a"))
	require.Equal(t, 2, h.source.Calls(), "a batch that enqueues nothing counts as empty")
}

func TestRunRequeuesRetryableFetchErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 4, FetchRetries: 1}, []string{
		"https://www.nankai.edu.cn/flaky",
		"https://www.nankai.edu.cn/missing",
	})
	h.fetcher.failures["https://www.nankai.edu.cn/flaky"] = []error{&crawler.StatusError{Code: http.StatusServiceUnavailable}}
	h.fetcher.failures["https://www.nankai.edu.cn/missing"] = []error{&crawler.StatusError{Code: http.StatusNotFound}}

	runWithTimeout(t, h.sched)

	st := h.sched.Stats()
	require.Equal(t, 2, h.fetcher.Calls("https://www.nankai.edu.cn/flaky"))
	require.Equal(t, 1, h.fetcher.Calls("https://www.nankai.edu.cn/missing"))
	require.Equal(t, 1, st.Retried)
	require.Equal(t, 1, st.Stored)
	require.Equal(t, 1, st.Failed)
}

func TestRunHonorsItemCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 1, ItemCeiling: 2}, []string{
		"https://www.nankai.edu.cn/1",
		"https://www.nankai.edu.cn/2",
		"https://www.nankai.edu.cn/3",
		"https://www.nankai.edu.cn/4",
	})
	runWithTimeout(t, h.sched)

	st := h.sched.Stats()
	require.Equal(t, StopCeiling, st.StopReason)
	require.Equal(t, 2, st.Stored)
	require.Equal(t, 2, h.index.Len())
	require.Equal(t, 1, h.source.Calls())
}

func TestStopInterruptsDraining(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 1}, []string{
		"https://www.nankai.edu.cn/1",
		"https://www.nankai.edu.cn/2",
	})
	h.fetcher.block = make(chan struct{})
	h.fetcher.started = make(chan string, 2)

	done := make(chan error, 1)
	go func() { done <- h.sched.Run(context.Background()) }()

	<-h.fetcher.started
	require.Equal(t, StateDraining, h.sched.State())
	h.sched.Stop()
	h.sched.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	st := h.sched.Stats()
	require.Equal(t, StateStopped, st.State)
	require.Equal(t, StopOperator, st.StopReason)
	require.Equal(t, 0, st.Stored)
	require.Equal(t, 0, st.InFlight)
	require.Equal(t, int32(1), h.index.refreshes.Load())
}

func TestStopBeforeRun(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, []string{"https://www.nankai.edu.cn/1"})
	h.sched.Stop()
	runWithTimeout(t, h.sched)

	require.Equal(t, 0, h.source.Calls())
	require.Equal(t, StopOperator, h.sched.Stats().StopReason)
}

func TestRunRejectsSecondRun(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	runWithTimeout(t, h.sched)
	err := h.sched.Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrStopped)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{EmptyFillBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()
	require.Eventually(t, func() bool { return h.source.Calls() == 1 }, 5*time.Second, 5*time.Millisecond)

	err := h.sched.Run(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, crawler.ErrStopped)

	cancel()
	require.NoError(t, <-done)
}

func TestRunDoesNotReportExhaustionWhileLiveAnchorsRemain(t *testing.T) {
	t.Parallel()

	h := newHarnessWithSource(Config{Concurrency: 2, BatchSize: 2}, &scriptedSource{}, func(h *harness) BatchSource {
		root := "https://www.nankai.edu.cn/"
		hash, err := crawler.HashURL(root)
		require.NoError(t, err)
		page := crawler.PageRecord{URL: root, Title: "home", Content: "home", Anchors: []crawler.Anchor{
			{Text: "dead", Href: "https://www.nankai.edu.cn/dead1"},
			{Text: "dead", Href: "https://www.nankai.edu.cn/dead2"},
			{Text: "live", Href: "https://www.nankai.edu.cn/live1"},
		}}
		require.NoError(t, h.index.Upsert(context.Background(), string(hash), crawler.NewDocument(hash, page)))
		return frontier.New(h.index, h.seen, nankaiAdmission(), frontier.Config{}, zap.NewNop())
	})
	notFound := &crawler.StatusError{Code: http.StatusNotFound}
	h.fetcher.failures["https://www.nankai.edu.cn/dead1"] = []error{notFound}
	h.fetcher.failures["https://www.nankai.edu.cn/dead2"] = []error{notFound}

	runWithTimeout(t, h.sched)

	st := h.sched.Stats()
	require.Equal(t, StopExhausted, st.StopReason)
	require.Equal(t, 1, h.fetcher.Calls("https://www.nankai.edu.cn/live1"))
	require.Equal(t, 1, h.fetcher.Calls("https://www.nankai.edu.cn/dead1"))
	require.Equal(t, 1, h.fetcher.Calls("https://www.nankai.edu.cn/dead2"))
	require.Equal(t, 1, st.Stored)
	require.Equal(t, 2, st.Failed)
}

func TestRunRejectsRedirectsOutOfScope(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{Concurrency: 4}, []string{
		"https://www.nankai.edu.cn/offsite",
		"https://www.nankai.edu.cn/attachment",
		"https://www.nankai.edu.cn/moved",
	})
	h.fetcher.redirects["https://www.nankai.edu.cn/offsite"] = "https://evil.example.com/landing"
	h.fetcher.redirects["https://www.nankai.edu.cn/attachment"] = "https://www.nankai.edu.cn/download/file.html"
	h.fetcher.redirects["https://www.nankai.edu.cn/moved"] = "https://news.nankai.edu.cn/moved"

	runWithTimeout(t, h.sched)

	st := h.sched.Stats()
	require.Equal(t, 1, st.Stored)
	require.Equal(t, 2, st.Failed)
	require.Equal(t, 1, h.index.Len())
	for _, raw := range []string{"https://evil.example.com/landing", "https://www.nankai.edu.cn/download/file.html"} {
		hash, err := crawler.HashURL(raw)
		require.NoError(t, err)
		seen, err := h.seen.Contains(context.Background(), hash)
		require.NoError(t, err)
		require.False(t, seen, raw)
	}
	moved, err := crawler.HashURL("https://news.nankai.edu.cn/moved")
	require.NoError(t, err)
	seen, err := h.seen.Contains(context.Background(), moved)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{EmptyFillBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return h.source.Calls() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.Equal(t, StopCanceled, h.sched.Stats().StopReason)
}
