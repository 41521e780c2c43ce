package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	indexmemory "github.com/JakeFAU/campus-crawler/internal/index/memory"
	"github.com/JakeFAU/campus-crawler/internal/pipeline"
	"github.com/JakeFAU/campus-crawler/internal/scheduler"
)

type fakeSearcher struct {
	last crawler.SearchQuery
	hits []crawler.SearchHit
	err  error
}

func (f *fakeSearcher) Search(_ context.Context, q crawler.SearchQuery) ([]crawler.SearchHit, error) {
	f.last = q
	return f.hits, f.err
}

type fakeController struct {
	stats scheduler.Stats
	stops atomic.Int32
}

func (f *fakeController) Stats() scheduler.Stats { return f.stats }
func (f *fakeController) Stop() { f.stops.Add(1) }

type fakePipeline struct{ stats pipeline.Stats }

func (f fakePipeline) Stats() pipeline.Stats { return f.stats }

func serve(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(nil, Options{}, zap.NewNop()), http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ready := NewServer(nil, Options{Ready: func(context.Context) error { return nil }}, zap.NewNop())
	require.Equal(t, http.StatusOK, serve(t, ready, http.MethodGet, "/readyz").Code)

	notReady := NewServer(nil, Options{Ready: func(context.Context) error { return errors.New("redis down") }}, zap.NewNop())
	require.Equal(t, http.StatusServiceUnavailable, serve(t, notReady, http.MethodGet, "/readyz").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, Options{}, zap.NewNop())
	serve(t, s, http.MethodGet, "/healthz")
	rec := serve(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestSearchPassesQuery(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{hits: []crawler.SearchHit{{ID: "1", URL: "https://www.nankai.edu.cn/", Title: "南开", Score: 1.5}}}
	s := NewServer(searcher, Options{}, zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/search?q=%E5%8D%97%E5%BC%80&limit=5&domain=WWW.nankai.edu.cn")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.SearchQuery{Text: "南开", Domain: "www.nankai.edu.cn", Limit: 5}, searcher.last)

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "南开", resp.Query)
	require.Len(t, resp.Hits, 1)
	require.Equal(t, "https://www.nankai.edu.cn/", resp.Hits[0].URL)
}

func TestSearchAgainstMemoryIndex(t *testing.T) {
	t.Parallel()

	store := indexmemory.New()
	hash, err := crawler.HashURL("https://news.nankai.edu.cn/a")
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), string(hash), crawler.NewDocument(hash, crawler.PageRecord{
		URL:     "https://news.nankai.edu.cn/a",
		Title:   "招生 简章",
		Content: "南开大学 本科 招生 简章 发布",
	})))
	s := NewServer(store, Options{}, zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/search?q=%E6%8B%9B%E7%94%9F")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Hits, 1)
	require.Equal(t, string(hash), resp.Hits[0].ID)
}

func TestSearchValidation(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeSearcher{}, Options{}, zap.NewNop())
	tests := map[string]string{
		"missing query":  "/v1/search",
		"blank query":    "/v1/search?q=%20",
		"bad limit":      "/v1/search?q=x&limit=abc",
		"negative limit": "/v1/search?q=x&limit=-1",
	}
	for name, target := range tests {
		t.Run(name, func(t *testing.T) {
			rec := serve(t, s, http.MethodGet, target)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSearchEmptyResultIsArray(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeSearcher{}, Options{}, zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/v1/search?q=none")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"query":"none","hits":[]}`, rec.Body.String())
}

func TestSearchBackendFailure(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeSearcher{err: errors.New("pool closed")}, Options{}, zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/v1/search?q=x")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseLimit(t *testing.T) {
	t.Parallel()

	limit, err := parseLimit("")
	require.NoError(t, err)
	require.Equal(t, defaultSearchLimit, limit)

	limit, err = parseLimit("1000")
	require.NoError(t, err)
	require.Equal(t, maxSearchLimit, limit)

	_, err = parseLimit("0")
	require.Error(t, err)
}

func TestCrawlerRoutesRequireController(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, Options{}, zap.NewNop())
	require.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/v1/crawler/status").Code)
	require.Equal(t, http.StatusNotFound, serve(t, s, http.MethodPost, "/v1/crawler/stop").Code)
}

func TestCrawlerStatus(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{stats: scheduler.Stats{State: scheduler.StateDraining, Stored: 7, Queued: 3}}
	s := NewServer(nil, Options{
		Controller: ctrl,
		Pipeline:   fakePipeline{stats: pipeline.Stats{Indexed: 7, Duplicates: 2}},
	}, zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/crawler/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, scheduler.StateDraining, resp.Scheduler.State)
	require.Equal(t, 7, resp.Scheduler.Stored)
	require.NotNil(t, resp.Pipeline)
	require.Equal(t, int64(2), resp.Pipeline.Duplicates)
}

func TestCrawlerStop(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	s := NewServer(nil, Options{Controller: ctrl}, zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/crawler/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, int32(1), ctrl.stops.Load())

	require.Equal(t, http.StatusMethodNotAllowed, serve(t, s, http.MethodGet, "/v1/crawler/stop").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, Options{}, zap.NewNop())
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := NewServer(nil, Options{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}
