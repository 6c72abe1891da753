// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal               *prometheus.CounterVec
	itemsStoredTotal        *prometheus.CounterVec
	enrichmentTotal         *prometheus.CounterVec
	rateLimitDelaySeconds   prometheus.Histogram
	ledgerDepth             *prometheus.GaugeVec
	sourcePageFetchSeconds  prometheus.Histogram
	discoveryDeadSetSize    prometheus.Histogram
	consumerActiveWorkers   prometheus.Gauge
	httpRequestSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_jobs_total",
				Help: "Total number of jobs processed, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		itemsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_items_stored_total",
				Help: "Total number of records upserted, labeled by source unit.",
			},
			[]string{"unit"},
		)

		enrichmentTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_enrichment_total",
				Help: "Total number of enrichment attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawl_rate_limit_delay_seconds",
				Help:    "Histogram of delays imposed by upstream rate limiting.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		)

		ledgerDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_retry_ledger_depth",
				Help: "Number of entries currently in a retry ledger.",
			},
			[]string{"ledger"},
		)

		sourcePageFetchSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawl_source_page_fetch_seconds",
				Help:    "Histogram of source API page fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		discoveryDeadSetSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawl_discovery_dead_set_size",
				Help:    "Histogram of dead-set sizes produced per discovery tick.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		)

		consumerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_consumer_active_workers",
				Help: "Number of worker slots currently executing a job.",
			},
		)

		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_http_request_seconds",
				Help:    "Histogram of operational HTTP request latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "route", "status"},
		)
	})
}

// ObserveJob records one processed job.
func ObserveJob(jobType, status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// AddItemsStored increments the stored-record counter for a unit.
func AddItemsStored(unit string, n int) {
	if itemsStoredTotal == nil || n <= 0 {
		return
	}
	itemsStoredTotal.WithLabelValues(unit).Add(float64(n))
}

// ObserveEnrichment records one enrichment attempt outcome
// ("scored", "sentinel" or "skipped").
func ObserveEnrichment(outcome string) {
	if enrichmentTotal == nil {
		return
	}
	enrichmentTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records a delay imposed by a 429 response.
func ObserveRateLimitDelay(d time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// SetLedgerDepth publishes the current depth of a retry ledger.
func SetLedgerDepth(ledger string, depth int64) {
	if ledgerDepth == nil {
		return
	}
	ledgerDepth.WithLabelValues(ledger).Set(float64(depth))
}

// ObservePageFetch records one source page fetch duration.
func ObservePageFetch(d time.Duration) {
	if sourcePageFetchSeconds == nil {
		return
	}
	sourcePageFetchSeconds.Observe(d.Seconds())
}

// ObserveDeadSet records the dead-set size for one discovery tick.
func ObserveDeadSet(n int) {
	if discoveryDeadSetSize == nil {
		return
	}
	discoveryDeadSetSize.Observe(float64(n))
}

// WorkerStarted marks a worker slot busy.
func WorkerStarted() {
	if consumerActiveWorkers != nil {
		consumerActiveWorkers.Inc()
	}
}

// WorkerFinished marks a worker slot idle.
func WorkerFinished() {
	if consumerActiveWorkers != nil {
		consumerActiveWorkers.Dec()
	}
}

// ObserveHTTPRequest records one operational HTTP request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if httpRequestSeconds == nil {
		return
	}
	httpRequestSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
