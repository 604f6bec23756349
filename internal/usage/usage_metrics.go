package usage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// UsageOpsTotal counts usage operations by type.
	UsageOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spaceport",
			Name:      "usage_operations_total",
			Help:      "Total usage operations by type.",
		},
		[]string{"type"},
	)

	// UsageOpDuration observes operation latency by type.
	UsageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spaceport",
			Name:      "usage_operation_duration_seconds",
			Help:      "Usage operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		UsageOpsTotal,
		UsageOpDuration,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	UsageOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		UsageOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
