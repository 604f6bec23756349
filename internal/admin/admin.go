// Package admin provides operator-only endpoints for running maintenance
// on demand: expiry sweeps, audit retention purges, the tenant directory,
// denial exports, and ops feed statistics.
package admin

import "time"

// RetentionReport summarizes one audit retention purge run.
type RetentionReport struct {
	TenantsProcessed int       `json:"tenantsProcessed"`
	TenantsSkipped   int       `json:"tenantsSkipped"`
	EntriesPurged    int64     `json:"entriesPurged"`
	Timestamp        time.Time `json:"timestamp"`
}
