// Package metrics exposes Prometheus collectors for the publications
// scraper service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperPagesTotal          *prometheus.CounterVec
	scraperRecordsTotal        *prometheus.CounterVec
	scraperRunsTotal           *prometheus.CounterVec
	scraperRunDurationSeconds  prometheus.Histogram
	scraperMergesTotal         *prometheus.CounterVec
	scraperCorpusSize          prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_pages_total",
				Help: "Total listing pages processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_records_total",
				Help: "Total listing entries handled, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		scraperRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_runs_total",
				Help: "Total crawl runs finished, labeled by terminal state.",
			},
			[]string{"state"},
		)

		scraperRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_run_duration_seconds",
				Help:    "Histogram of crawl run wall-clock durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		scraperMergesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_merges_total",
				Help: "Corpus merge outcomes, labeled inserted/updated/unchanged.",
			},
			[]string{"outcome"},
		)

		scraperCorpusSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_corpus_size",
				Help: "Number of publications currently in the corpus.",
			},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one processed listing page.
func ObservePage(outcome string) {
	scraperPagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecords counts accepted and skipped listing entries.
func ObserveRecords(found, skipped int) {
	if found > 0 {
		scraperRecordsTotal.WithLabelValues("accepted").Add(float64(found))
	}
	if skipped > 0 {
		scraperRecordsTotal.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// ObserveRun records a finished crawl run.
func ObserveRun(state string, duration time.Duration) {
	scraperRunsTotal.WithLabelValues(state).Inc()
	scraperRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveMerge records the outcome counts of one corpus merge.
func ObserveMerge(inserted, updated, unchanged int) {
	scraperMergesTotal.WithLabelValues("inserted").Add(float64(inserted))
	scraperMergesTotal.WithLabelValues("updated").Add(float64(updated))
	scraperMergesTotal.WithLabelValues("unchanged").Add(float64(unchanged))
}

// SetCorpusSize updates the corpus size gauge.
func SetCorpusSize(n int) {
	scraperCorpusSize.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
