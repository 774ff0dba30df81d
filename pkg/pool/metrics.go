package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the fetch pool.
var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navipod_fetch_queue_depth",
		Help: "Number of fetches waiting for a worker",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navipod_fetch_in_flight",
		Help: "Number of fetches currently executing",
	})

	fetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navipod_fetch_attempts_total",
		Help: "Total fetch attempts by kind and result",
	}, []string{"kind", "result"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "navipod_fetch_duration_seconds",
		Help:    "Fetch duration in seconds by kind",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"kind"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navipod_fetch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "navipod_fetch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navipod_fetch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)
