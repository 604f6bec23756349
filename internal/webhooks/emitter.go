package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spaceporthq/spaceport/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spaceport",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spaceport",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to notify tenants of lifecycle events. All
// methods are fire-and-forget: errors are logged but never returned, so a
// broken endpoint cannot affect the operation that triggered it.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(tenantID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "tenant", tenantID, "error", err)
	}
}

// EmitSubscriptionTransitioned notifies a tenant that its subscription
// changed state.
func (e *Emitter) EmitSubscriptionTransitioned(tenantID, subscriptionID, from, to, event, tier string) {
	e.emit(tenantID, EventSubscriptionTransitioned, map[string]interface{}{
		"subscriptionId": subscriptionID,
		"from":           from,
		"to":             to,
		"event":          event,
		"tier":           tier,
	})
}

// EmitTenantSuspended notifies a tenant that access was administratively
// frozen.
func (e *Emitter) EmitTenantSuspended(tenantID, actor string) {
	e.emit(tenantID, EventTenantSuspended, map[string]interface{}{
		"actor": actor,
	})
}

// EmitTenantResumed notifies a tenant that access was restored.
func (e *Emitter) EmitTenantResumed(tenantID, status string) {
	e.emit(tenantID, EventTenantResumed, map[string]interface{}{
		"status": status,
	})
}
