// Package metrics exposes Prometheus collectors for the harvester.
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
	pagesTotal                 *prometheus.CounterVec
	articlesTotal              *prometheus.CounterVec
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	robotsDenialsTotal         *prometheus.CounterVec
	requestRetriesTotal        *prometheus.CounterVec
	throttleWaitSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Listing and article pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		articlesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_articles_total",
				Help: "Articles processed, labeled by journal and screening decision.",
			},
			[]string{"journal", "decision"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_downloads_total",
				Help: "Resource downloads, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_download_bytes_total",
				Help: "Bytes written to disk, labeled by site.",
			},
			[]string{"site"},
		)

		robotsDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_robots_denials_total",
				Help: "Requests suppressed by robots.txt, labeled by site.",
			},
			[]string{"site"},
		)

		requestRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_request_retries_total",
				Help: "Request retries, labeled by site.",
			},
			[]string{"site"},
		)

		throttleWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_throttle_wait_seconds",
				Help:    "Time spent waiting on the per-host throttle.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests served, labeled by method and code.",
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
	return promhttp.Handler()
}

// ObservePage counts a fetched listing or article page.
func ObservePage(rawURL string, status int) {
	Init()
	pagesTotal.WithLabelValues(SanitizeSite(rawURL), strconv.Itoa(status)).Inc()
}

// ObserveArticle counts a screening decision.
func ObserveArticle(journal, decision string) {
	Init()
	articlesTotal.WithLabelValues(journal, decision).Inc()
}

// ObserveDownload counts a resource download and its size.
func ObserveDownload(rawURL, kind, outcome string, bytesWritten int64) {
	Init()
	downloadsTotal.WithLabelValues(kind, outcome).Inc()
	if bytesWritten > 0 {
		downloadBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesWritten))
	}
}

// ObserveRobotsDenial counts a request suppressed by robots.txt.
func ObserveRobotsDenial(rawURL string) {
	Init()
	robotsDenialsTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveRetry counts a retried request.
func ObserveRetry(rawURL string) {
	Init()
	requestRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveThrottleWait records a per-host throttle delay.
func ObserveThrottleWait(site string, d time.Duration) {
	Init()
	throttleWaitSeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
