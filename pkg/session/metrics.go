package session

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convostore_operations_total",
			Help: "Total number of session store operations",
		},
		[]string{"operation", "status"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convostore_operation_duration_seconds",
			Help:    "Session store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	metricsOnce sync.Once
)

// InitMetrics registers the store's Prometheus metrics with the default
// registry. Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(operationsTotal, operationDuration)
	})
}

// observe records one completed operation. Metrics are collected whether
// or not InitMetrics was called; registration only controls exposure.
func observe(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(operation, status).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
