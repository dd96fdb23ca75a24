// Package metrics exposes Prometheus collectors for the scraper.
package metrics

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registry *prometheus.Registry

	scraperFetchAttemptsTotal   *prometheus.CounterVec
	scraperFetchDurationSeconds *prometheus.HistogramVec
	scraperRetriesTotal         *prometheus.CounterVec
	scraperRobotsBlockedTotal   *prometheus.CounterVec
	scraperResultsTotal         *prometheus.CounterVec
	scraperSelectorErrorsTotal  prometheus.Counter
	scraperPacerDelaySeconds    prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus collectors on a dedicated registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		factory := promauto.With(registry)

		scraperFetchAttemptsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_attempts_total",
				Help: "Total transport attempts, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)

		scraperFetchDurationSeconds = factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Histogram of single-attempt fetch latencies, labeled by transport.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"transport"},
		)

		scraperRetriesTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_retries_total",
				Help: "Total retries performed after transient failures, labeled by site.",
			},
			[]string{"site"},
		)

		scraperRobotsBlockedTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_robots_blocked_total",
				Help: "Total URLs refused by robots.txt policy, labeled by site.",
			},
			[]string{"site"},
		)

		scraperResultsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_results_total",
				Help: "Terminal fetch outcomes, labeled by kind.",
			},
			[]string{"kind"},
		)

		scraperSelectorErrorsTotal = factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_selector_errors_total",
				Help: "Total selectors rejected as invalid.",
			},
		)

		scraperPacerDelaySeconds = factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_pacer_delay_seconds",
				Help:    "Histogram of politeness waits before requests.",
				Buckets: []float64{0, 0.5, 1, 2, 3, 5, 10, 30},
			},
		)
	})
}

// Registry returns the registry holding every scraper collector.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

// WriteTextfile dumps the current metrics in the text exposition format,
// suitable for the node_exporter textfile collector.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, Registry()); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
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

// StatusClass groups HTTP codes; zero means a transport error.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code >= 100 && code < 600:
		return strconv.Itoa(code/100) + "xx"
	default:
		return "other"
	}
}

// ObserveAttempt records one transport call.
func ObserveAttempt(site string, statusCode int, transport string, duration time.Duration) {
	Init()
	scraperFetchAttemptsTotal.WithLabelValues(SanitizeSite(site), StatusClass(statusCode)).Inc()
	scraperFetchDurationSeconds.WithLabelValues(transport).Observe(duration.Seconds())
}

// ObserveRetry records a retry after a transient failure.
func ObserveRetry(site string) {
	Init()
	scraperRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRobotsBlocked records a URL refused by robots.txt.
func ObserveRobotsBlocked(site string) {
	Init()
	scraperRobotsBlockedTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveResult records a terminal fetch outcome.
func ObserveResult(kind string) {
	Init()
	scraperResultsTotal.WithLabelValues(kind).Inc()
}

// ObserveSelectorError records an invalid selector.
func ObserveSelectorError() {
	Init()
	scraperSelectorErrorsTotal.Inc()
}

// ObservePacerDelay records a politeness wait.
func ObservePacerDelay(duration time.Duration) {
	Init()
	scraperPacerDelaySeconds.Observe(duration.Seconds())
}
