package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsCacheTransport answers repeated robots.txt requests for a host from
// memory and retries transient robots.txt failures before assuming allow-all.
type robotsCacheTransport struct {
	base   http.RoundTripper
	ttl    time.Duration
	now    func() time.Time
	pause  func(context.Context, time.Duration) error
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]robotsEntry
}

type robotsEntry struct {
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

func newRobotsCacheTransport(base http.RoundTripper, ttl time.Duration, logger *zap.Logger) *robotsCacheTransport {
	return &robotsCacheTransport{
		base:    base,
		ttl:     ttl,
		now:     time.Now,
		pause:   crawler.Pause,
		logger:  logger,
		entries: make(map[string]robotsEntry),
	}
}

func (t *robotsCacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("base roundtrip: %w", err)
		}
		return resp, nil
	}

	key := strings.ToLower(req.URL.Scheme + "://" + req.URL.Host)
	if entry, ok := t.lookup(key); ok {
		return entry.response(req), nil
	}
	entry, err := t.fetchWithRetry(req)
	if err != nil {
		return nil, err
	}
	t.store(key, entry)
	return entry.response(req), nil
}

func (t *robotsCacheTransport) lookup(key string) (robotsEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok || t.now().After(entry.expires) {
		return robotsEntry{}, false
	}
	return entry, true
}

func (t *robotsCacheTransport) store(key string, entry robotsEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.expires = t.now().Add(t.ttl)
	t.entries[key] = entry
}

func (t *robotsCacheTransport) fetchWithRetry(req *http.Request) (robotsEntry, error) {
	maxAttempts := len(robotsRetryBackoff) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return readEntry(resp)
		}
		if !isTransientNetError(err) {
			return robotsEntry{}, fmt.Errorf("robots roundtrip: %w", err)
		}
		if attempt == maxAttempts-1 {
			t.logger.Warn("robots.txt unreachable, assuming allow-all",
				zap.String("host", req.URL.Host),
				zap.Error(err),
			)
			return robotsEntry{
				status: http.StatusOK,
				header: http.Header{},
				body:   []byte(allowAllRobots),
			}, nil
		}
		if err := t.pause(req.Context(), robotsRetryBackoff[attempt]); err != nil {
			return robotsEntry{}, fmt.Errorf("robots backoff: %w", err)
		}
	}
	return robotsEntry{}, fmt.Errorf("robots roundtrip exhausted retries")
}

func readEntry(resp *http.Response) (robotsEntry, error) {
	defer resp.Body.Close() //nolint:errcheck // body fully read below
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return robotsEntry{}, fmt.Errorf("read robots.txt: %w", err)
	}
	return robotsEntry{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   body,
	}, nil
}

func (e robotsEntry) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    e.status,
		Status:        fmt.Sprintf("%d %s", e.status, http.StatusText(e.status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Request:       req,
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
