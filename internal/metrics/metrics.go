// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerFetchesTotal          *prometheus.CounterVec
	crawlerBytesTotal            *prometheus.CounterVec
	crawlerFetchDurationSeconds  prometheus.Histogram
	crawlerPagesIndexedTotal     *prometheus.CounterVec
	crawlerPipelineDropsTotal    *prometheus.CounterVec
	crawlerIndexWriteRetries     prometheus.Counter
	crawlerFrontierFillsTotal    *prometheus.CounterVec
	crawlerFrontierFilteredTotal *prometheus.CounterVec
	crawlerSeenSetErrorsTotal    *prometheus.CounterVec
	crawlerSchedulerState        *prometheus.GaugeVec
	crawlerQueueDepth            prometheus.Gauge
	crawlerInFlight              prometheus.Gauge
	crawlerPolitenessWaitSeconds *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		crawlerPagesIndexedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_indexed_total",
				Help: "Total number of pages written to the index, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerPipelineDropsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pipeline_drops_total",
				Help: "Total number of items dropped by the ingestion pipeline, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerIndexWriteRetries = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_index_write_retries_total",
				Help: "Total number of index writes retried after a failure.",
			},
		)

		crawlerFrontierFillsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_frontier_fills_total",
				Help: "Total number of frontier batches, labeled by source.",
			},
			[]string{"source"},
		)

		crawlerFrontierFilteredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_frontier_filtered_total",
				Help: "Total number of frontier candidates rejected, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerSeenSetErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_seen_set_errors_total",
				Help: "Total number of seen-set operations that failed, labeled by operation.",
			},
			[]string{"op"},
		)

		crawlerSchedulerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_scheduler_state",
				Help: "Current scheduler state; the active state reports 1.",
			},
			[]string{"state"},
		)

		crawlerQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Number of fetch tasks waiting for dispatch.",
			},
		)

		crawlerInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_in_flight",
				Help: "Number of fetch tasks currently running.",
			},
		)

		crawlerPolitenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_wait_seconds",
				Help:    "Histogram of per-domain politeness delays.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, outcome string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	if duration > 0 {
		crawlerFetchDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveIndexed counts a page durably written to the index.
func ObserveIndexed(site string) {
	Init()
	crawlerPagesIndexedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveDrop counts a pipeline drop.
func ObserveDrop(reason string) {
	Init()
	crawlerPipelineDropsTotal.WithLabelValues(reason).Inc()
}

// ObserveIndexWriteRetry counts an index write that will be attempted again.
func ObserveIndexWriteRetry() {
	Init()
	crawlerIndexWriteRetries.Inc()
}

// ObserveFrontierFill counts a frontier batch by source (index, fallback, empty).
func ObserveFrontierFill(source string) {
	Init()
	crawlerFrontierFillsTotal.WithLabelValues(source).Inc()
}

// ObserveFrontierFiltered counts a rejected frontier candidate.
func ObserveFrontierFiltered(reason string) {
	Init()
	crawlerFrontierFilteredTotal.WithLabelValues(reason).Inc()
}

// ObserveSeenSetError counts a failed seen-set call.
func ObserveSeenSetError(op string) {
	Init()
	crawlerSeenSetErrorsTotal.WithLabelValues(op).Inc()
}

// SetSchedulerState marks state as the active scheduler state.
func SetSchedulerState(state string, all []string) {
	Init()
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		crawlerSchedulerState.WithLabelValues(s).Set(value)
	}
}

// SetQueueDepth reports the number of queued fetch tasks.
func SetQueueDepth(n int) {
	Init()
	crawlerQueueDepth.Set(float64(n))
}

// SetInFlight reports the number of running fetch tasks.
func SetInFlight(n int) {
	Init()
	crawlerInFlight.Set(float64(n))
}

// ObservePolitenessWait records the duration of a per-domain delay.
func ObservePolitenessWait(domain string, duration time.Duration) {
	Init()
	crawlerPolitenessWaitSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
