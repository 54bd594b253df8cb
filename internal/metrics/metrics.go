// Package metrics exposes Prometheus collectors for the API service.
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
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	authDecisionsTotal          *prometheus.CounterVec
	cacheRequestsTotal          *prometheus.CounterVec
	cachePopulationsTotal       *prometheus.CounterVec
	cacheEntries                prometheus.Gauge
	upstreamFetchesTotal        *prometheus.CounterVec
	upstreamFetchDuration       *prometheus.HistogramVec
	upstreamBytesTotal          prometheus.Counter
	upstreamRateLimitDelay      *prometheus.HistogramVec
	upstreamRetriesTotal        prometheus.Counter
	parseFailuresTotal          prometheus.Counter
	rateLimitBackendErrorsTotal prometheus.Counter
	robotsFallbacksTotal        prometheus.Counter
	headlessPromotionsTotal     prometheus.Counter
	eventsPublishedTotal        *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grokapi_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grokapi_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)

		authDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grokapi_auth_decisions_total",
				Help: "Authorization outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grokapi_cache_requests_total",
				Help: "Article cache lookups, labeled by result (hit, miss, shared).",
			},
			[]string{"result"},
		)

		cachePopulationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grokapi_cache_populations_total",
				Help: "Cache populations, labeled by outcome kind.",
			},
			[]string{"outcome"},
		)

		cacheEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grokapi_cache_entries",
				Help: "Entries held by the in-process article cache.",
			},
		)

		upstreamFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grokapi_upstream_fetches_total",
				Help: "Upstream page fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		upstreamFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grokapi_upstream_fetch_duration_seconds",
				Help:    "Histogram of upstream fetch latencies, labeled by fetcher.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"fetcher"},
		)

		upstreamBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "grokapi_upstream_bytes_total",
				Help: "Total bytes read from the upstream site.",
			},
		)

		upstreamRateLimitDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grokapi_upstream_rate_limit_delay_seconds",
				Help:    "Histogram of politeness waits before upstream fetches.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)

		upstreamRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "grokapi_upstream_retries_total",
				Help: "Retries issued after transient upstream failures.",
			},
		)

		parseFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "grokapi_parse_failures_total",
				Help: "Pages whose structure could not be normalized.",
			},
		)

		rateLimitBackendErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "grokapi_ratelimit_backend_errors_total",
				Help: "Rate window lookups that failed and were allowed through.",
			},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "grokapi_robots_fallbacks_total",
				Help: "robots.txt probes that timed out and were treated as allow-all.",
			},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "grokapi_headless_promotions_total",
				Help: "Static fetches that were re-rendered in headless Chrome.",
			},
		)

		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grokapi_events_published_total",
				Help: "Lifecycle events handed to the event sink, labeled by type and outcome.",
			},
			[]string{"type", "outcome"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAuthDecision counts an authorization outcome.
func ObserveAuthDecision(outcome string) {
	Init()
	authDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheRequest counts a cache lookup result.
func ObserveCacheRequest(result string) {
	Init()
	cacheRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveCachePopulation counts a finished population.
func ObserveCachePopulation(outcome string) {
	Init()
	cachePopulationsTotal.WithLabelValues(outcome).Inc()
}

// SetCacheEntries reports the in-process cache size.
func SetCacheEntries(n int) {
	Init()
	cacheEntries.Set(float64(n))
}

// ObserveUpstreamFetch records an upstream fetch.
func ObserveUpstreamFetch(fetcher, outcome string, bytes int, duration time.Duration) {
	Init()
	upstreamFetchesTotal.WithLabelValues(outcome).Inc()
	upstreamFetchDuration.WithLabelValues(fetcher).Observe(duration.Seconds())
	if bytes > 0 {
		upstreamBytesTotal.Add(float64(bytes))
	}
}

// ObserveRateLimitDelay records a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	upstreamRateLimitDelay.WithLabelValues(host).Observe(duration.Seconds())
}

// IncUpstreamRetries counts a retry.
func IncUpstreamRetries() {
	Init()
	upstreamRetriesTotal.Inc()
}

// IncParseFailures counts a page that failed to normalize.
func IncParseFailures() {
	Init()
	parseFailuresTotal.Inc()
}

// IncRateLimitBackendErrors counts a failed rate window lookup.
func IncRateLimitBackendErrors() {
	Init()
	rateLimitBackendErrorsTotal.Inc()
}

// IncRobotsFallbacks counts a robots.txt probe that fell back to allow-all.
func IncRobotsFallbacks() {
	Init()
	robotsFallbacksTotal.Inc()
}

// IncHeadlessPromotions counts a static page sent to the headless renderer.
func IncHeadlessPromotions() {
	Init()
	headlessPromotionsTotal.Inc()
}

// ObserveEventPublish records one event publish attempt.
func ObserveEventPublish(kind, outcome string) {
	Init()
	eventsPublishedTotal.WithLabelValues(kind, outcome).Inc()
}
