// Package metrics exposes Prometheus instrumentation for the extraction
// pipeline and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScansStarted counts scan jobs started, by scan type.
	ScansStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealscan_scans_started_total",
		Help: "Number of scan jobs started.",
	}, []string{"scan_type"})

	// ScansFinished counts scan jobs reaching a terminal state, by status.
	ScansFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealscan_scans_finished_total",
		Help: "Number of scan jobs finished, labeled by terminal status.",
	}, []string{"status"})

	// ScanDuration observes wall-clock scan durations.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dealscan_scan_duration_seconds",
		Help:    "Wall-clock duration of finished scans.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// PagesFetched counts CRM listing pages fetched.
	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealscan_pages_fetched_total",
		Help: "Number of CRM listing pages fetched.",
	})

	// Records counts extracted records by outcome (processed or failed).
	Records = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealscan_records_total",
		Help: "Number of extracted records, labeled by outcome.",
	}, []string{"outcome"})
)

// Outcome labels for the Records counter.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
)

// Handler returns the Prometheus scrape handler for the /metrics endpoint.
// Parameters: none.
// Returns:
//   - http.Handler: scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
