// Package metrics exposes Prometheus collectors for the harvester service.
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
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestSeconds       *prometheus.HistogramVec
	externalCallsTotal       *prometheus.CounterVec
	externalCallSeconds      *prometheus.HistogramVec
	termsHarvestedTotal      *prometheus.CounterVec
	recordsUpsertedTotal     *prometheus.CounterVec
	batchRunsTotal           *prometheus.CounterVec
	batchRunSeconds          *prometheus.HistogramVec
	reclaimedRowsTotal       *prometheus.CounterVec
	activeLanes              prometheus.Gauge
	credentialCooldownsTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "HTTP requests served, labeled by method, route, and status code.",
			},
			[]string{"method", "route", "status"},
		)

		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)

		externalCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_external_calls_total",
				Help: "External service calls, labeled by service and outcome.",
			},
			[]string{"service", "outcome"},
		)

		externalCallSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_external_call_seconds",
				Help:    "Histogram of external call latencies, labeled by service.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"service"},
		)

		termsHarvestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_terms_harvested_total",
				Help: "Candidate terms surviving the pipeline, labeled by tier.",
			},
			[]string{"tier"},
		)

		recordsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_upserted_total",
				Help: "Rows written by the deferred bulk writer, labeled by kind (inserted/updated).",
			},
			[]string{"kind"},
		)

		batchRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_batch_runs_total",
				Help: "Batch runs, labeled by task and status.",
			},
			[]string{"task", "status"},
		)

		batchRunSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_batch_run_seconds",
				Help:    "Histogram of batch run durations, labeled by task.",
				Buckets: []float64{1, 5, 15, 30, 60, 90, 120, 180},
			},
			[]string{"task"},
		)

		reclaimedRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_reclaimed_rows_total",
				Help: "Stuck rows reset to eligible, labeled by queue.",
			},
			[]string{"queue"},
		)

		activeLanes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_lanes",
				Help: "Worker lanes currently processing an item.",
			},
		)

		credentialCooldownsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_credential_cooldowns_total",
				Help: "Credentials placed under cooldown, labeled by pool.",
			},
			[]string{"pool"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveExternalCall increments the external call counter.
func ObserveExternalCall(service, outcome string) {
	if externalCallsTotal == nil {
		return
	}
	externalCallsTotal.WithLabelValues(service, outcome).Inc()
}

// ObserveExternalCallDuration records one external call latency.
func ObserveExternalCallDuration(service string, d time.Duration) {
	if externalCallSeconds == nil {
		return
	}
	externalCallSeconds.WithLabelValues(service).Observe(d.Seconds())
}

// ObserveHarvested counts terms surviving the pipeline by tier.
func ObserveHarvested(tier string, n int) {
	if termsHarvestedTotal == nil || n <= 0 {
		return
	}
	termsHarvestedTotal.WithLabelValues(tier).Add(float64(n))
}

// ObserveUpserts counts inserted and updated rows from one bulk write.
func ObserveUpserts(inserted, updated int) {
	if recordsUpsertedTotal == nil {
		return
	}
	recordsUpsertedTotal.WithLabelValues("inserted").Add(float64(inserted))
	recordsUpsertedTotal.WithLabelValues("updated").Add(float64(updated))
}

// ObserveBatchRun records one batch run outcome and duration.
func ObserveBatchRun(task, status string, d time.Duration) {
	if batchRunsTotal == nil {
		return
	}
	batchRunsTotal.WithLabelValues(task, status).Inc()
	batchRunSeconds.WithLabelValues(task).Observe(d.Seconds())
}

// ObserveReclaimed counts rows reset by the stuck-work reclaimer.
func ObserveReclaimed(queue string, n int64) {
	if reclaimedRowsTotal == nil || n <= 0 {
		return
	}
	reclaimedRowsTotal.WithLabelValues(queue).Add(float64(n))
}

// IncActiveLanes increments the active lanes gauge.
func IncActiveLanes() {
	if activeLanes == nil {
		return
	}
	activeLanes.Inc()
}

// DecActiveLanes decrements the active lanes gauge.
func DecActiveLanes() {
	if activeLanes == nil {
		return
	}
	activeLanes.Dec()
}

// ObserveCooldown counts one credential cooldown event.
func ObserveCooldown(pool string) {
	if credentialCooldownsTotal == nil {
		return
	}
	credentialCooldownsTotal.WithLabelValues(pool).Inc()
}
