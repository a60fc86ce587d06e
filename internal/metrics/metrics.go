// Package metrics exposes Prometheus collectors for the content pipeline.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	admissionDecisionsTotal    *prometheus.CounterVec
	ledgerFailOpenTotal        prometheus.Counter
	jobsPublishedTotal         *prometheus.CounterVec
	jobsProcessedTotal         *prometheus.CounterVec
	generationDurationSeconds  *prometheus.HistogramVec
	webhookDeliveriesTotal     *prometheus.CounterVec
	jobsInFlight               prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		admissionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_admission_decisions_total",
				Help: "Admission gate outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ledgerFailOpenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "contentgen_ledger_fail_open_total",
				Help: "Requests admitted because the access ledger could not be read.",
			},
		)

		jobsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_jobs_published_total",
				Help: "Jobs handed to the broker, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		jobsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_jobs_processed_total",
				Help: "Deliveries handled by the worker, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		generationDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "contentgen_generation_duration_seconds",
				Help:    "Generator wall time, labeled by kind and result.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"kind", "result"},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contentgen_webhook_deliveries_total",
				Help: "Webhook delivery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "contentgen_jobs_in_flight",
				Help: "Number of deliveries currently being processed.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdmission counts a gate decision (admitted, rate_limited, pending, blacklist, unknown).
func ObserveAdmission(outcome string) {
	Init()
	admissionDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLedgerFailOpen counts a request admitted despite a ledger error.
func ObserveLedgerFailOpen() {
	Init()
	ledgerFailOpenTotal.Inc()
}

// ObservePublish counts a publish attempt.
func ObservePublish(kind, status string) {
	Init()
	jobsPublishedTotal.WithLabelValues(kind, status).Inc()
}

// ObserveJob counts a processed delivery (succeeded, retried, requeued, dead_lettered, malformed).
func ObserveJob(kind, outcome string) {
	Init()
	jobsProcessedTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveGeneration records generator latency.
func ObserveGeneration(kind string, duration time.Duration, ok bool) {
	Init()
	result := "success"
	if !ok {
		result = "failure"
	}
	generationDurationSeconds.WithLabelValues(kind, result).Observe(duration.Seconds())
}

// ObserveWebhook counts a webhook delivery outcome.
func ObserveWebhook(outcome string) {
	Init()
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// IncInFlight increments the in-flight gauge.
func IncInFlight() {
	Init()
	jobsInFlight.Inc()
}

// DecInFlight decrements the in-flight gauge.
func DecInFlight() {
	Init()
	jobsInFlight.Dec()
}
