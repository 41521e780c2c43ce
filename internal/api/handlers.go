package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/pipeline"
	"github.com/JakeFAU/campus-crawler/internal/scheduler"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	searchTimeout      = 5 * time.Second
)

type searchResponse struct {
	Query string              `json:"query"`
	Hits  []crawler.SearchHit `json:"hits"`
}

type statusResponse struct {
	Scheduler scheduler.Stats `json:"scheduler"`
	Pipeline  *pipeline.Stats `json:"pipeline,omitempty"`
}

// search handles GET /v1/search?q=&limit=&domain=. It returns 400 for a
// missing query or bad limit and 503 when the index cannot be reached.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "index unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()
	hits, err := s.searcher.Search(ctx, crawler.SearchQuery{
		Text:   q,
		Domain: strings.ToLower(strings.TrimSpace(r.URL.Query().Get("domain"))),
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("search failed", zap.String("query", q), zap.Error(err))
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, "search failed")
		return
	}
	if hits == nil {
		hits = []crawler.SearchHit{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: q, Hits: hits})
}

func (s *Server) crawlerStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Scheduler: s.opts.Controller.Stats()}
	if s.opts.Pipeline != nil {
		stats := s.opts.Pipeline.Stats()
		resp.Pipeline = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) crawlerStop(w http.ResponseWriter, r *http.Request) {
	s.opts.Controller.Stop()
	s.logger.Info("crawl stop requested", zap.String("request_id", requestID(r.Context())))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultSearchLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	return limit, nil
}
