package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spaceporthq/spaceport/internal/logging"
)

const webhookBodyLimit = 1 << 20 // 1 MiB

// Handler exposes the provider webhook endpoint.
type Handler struct {
	parser     *StripeParser
	reconciler *Reconciler
}

// NewHandler creates billing HTTP handlers.
func NewHandler(parser *StripeParser, reconciler *Reconciler) *Handler {
	return &Handler{parser: parser, reconciler: reconciler}
}

// RegisterRoutes registers billing endpoints. The webhook is authenticated
// by the provider signature, not by tenant API keys.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/webhook", h.StripeWebhook)
}

// StripeWebhook handles POST /v1/billing/webhook.
//
// Forged or unverifiable payloads are rejected with 400. Verified events we
// cannot process (malformed body, unknown subscription data) return 2xx so
// the provider stops redelivering them; transient failures return 5xx so it
// retries.
func (h *Handler) StripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Failed to read request body",
		})
		return
	}

	sig := c.GetHeader("Stripe-Signature")
	if sig == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_signature",
			"message": "Stripe-Signature header is required",
		})
		return
	}

	event, err := h.parser.Parse(payload, sig)
	if err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			logging.L(ctx).Warn("unprocessable billing event dropped", "error", err)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}
	if event == nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	res, err := h.reconciler.Reconcile(ctx, event)
	if err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			logging.L(ctx).Warn("invalid billing event dropped",
				"event", event.EventID, "error", err)
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		logging.L(ctx).Error("billing event reconciliation failed",
			"event", event.EventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Event could not be processed; it will be redelivered",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"applied":  res.Applied,
		"result":   res.Result,
	})
}
