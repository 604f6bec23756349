package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileStatusDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spaceport",
		Subsystem: "reconciliation",
		Name:      "status_drift",
		Help:      "Number of tenants whose status disagreed with their subscription in the last run.",
	})

	reconcileOverdueExpiries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spaceport",
		Subsystem: "reconciliation",
		Name:      "overdue_expiries",
		Help:      "Number of subscriptions past their trial or grace deadline in the last run.",
	})

	reconcileLapsedRenewals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spaceport",
		Subsystem: "reconciliation",
		Name:      "lapsed_renewals",
		Help:      "Number of active subscriptions past their paid period in the last run.",
	})

	reconcileOrphanedTenants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spaceport",
		Subsystem: "reconciliation",
		Name:      "orphaned_tenants",
		Help:      "Number of non-pending tenants without a subscription in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spaceport",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spaceport",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileStatusDrift,
		reconcileOverdueExpiries,
		reconcileLapsedRenewals,
		reconcileOrphanedTenants,
		reconcileDuration,
		reconcileErrors,
	)
}
