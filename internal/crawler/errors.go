package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across the crawl path.
var (
	ErrMissingURL         = errors.New("page has no url")
	ErrDuplicate          = errors.New("url already indexed")
	ErrStoreUnavailable   = errors.New("index store unavailable")
	ErrStopped            = errors.New("crawler stopped")
	ErrOutOfScope         = errors.New("url outside allowed domains")
	ErrDenied             = errors.New("url matches deny pattern")
	ErrUnsupportedScheme  = errors.New("url scheme is not http or https")
	ErrRobotsDisallowed   = errors.New("robots.txt disallows url")
	ErrUnsupportedContent = errors.New("response is not html")
)

// StatusError reports a non-success HTTP status from a fetch.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.Code, http.StatusText(e.Code))
}

// Retryable mirrors the status codes a polite crawler retries: server errors,
// request timeouts and throttling.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, http.StatusRequestTimeout, http.StatusTooManyRequests,
		522, 524:
		return true
	default:
		return false
	}
}
