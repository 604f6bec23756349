package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// auditWritesTotal counts audit write attempts by result.
	auditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spaceport",
			Name:      "audit_writes_total",
			Help:      "Total audit write attempts by result (ok, error, circuit_open, drained).",
		},
		[]string{"result"},
	)

	// auditBufferDepth tracks entries parked in the overflow buffer.
	auditBufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "spaceport",
			Name:      "audit_buffer_depth",
			Help:      "Audit entries currently buffered in memory awaiting store recovery.",
		},
	)

	// auditDroppedTotal counts entries lost to buffer overflow.
	auditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "spaceport",
			Name:      "audit_dropped_total",
			Help:      "Total audit entries dropped because the overflow buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		auditWritesTotal,
		auditBufferDepth,
		auditDroppedTotal,
	)
}
