package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"

	"github.com/spaceporthq/spaceport/internal/catalog"
	"github.com/spaceporthq/spaceport/internal/subscription"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testWebhookSecret = "whsec_test_secret"

func newWebhookRouter(t *testing.T) (*gin.Engine, *subscription.MemoryStore, *subscription.Subscription) {
	t.Helper()
	ctx := context.Background()

	store := subscription.NewMemoryStore()
	auditor := &mockAuditor{}
	subs := subscription.NewService(store, auditor, time.Hour, 30*time.Minute)

	sub, err := subs.Create(ctx, "ten_1", catalog.TierStarter, "admin")
	require.NoError(t, err)
	sub.BillingCustomerID = "cus_1"
	require.NoError(t, store.Update(ctx, sub))

	h := NewHandler(NewStripeParser(testWebhookSecret), NewReconciler(subs, store, NewMemoryProcessedStore(), auditor))

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, store, sub
}

func signedRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func checkoutEventJSON(eventID string) string {
	return `{
		"id": "` + eventID + `",
		"object": "event",
		"type": "checkout.session.completed",
		"created": ` + jsonInt(time.Now().Unix()) + `,
		"data": {"object": {
			"id": "cs_1",
			"mode": "subscription",
			"customer": "cus_1",
			"subscription": "bsub_1",
			"metadata": {"tier": "professional"}
		}}
	}`
}

func TestStripeWebhook_AppliesEvent(t *testing.T) {
	r, store, sub := newWebhookRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, testWebhookSecret, checkoutEventJSON("evt_1")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["received"])
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, ResultApplied, body["result"])

	got, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)
	assert.Equal(t, catalog.TierProfessional, got.Tier)
}

func TestStripeWebhook_RedeliveryIsNoOp(t *testing.T) {
	r, _, _ := newWebhookRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, testWebhookSecret, checkoutEventJSON("evt_1")))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, testWebhookSecret, checkoutEventJSON("evt_1")))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["applied"])
	assert.Equal(t, ResultDuplicateEvent, body["result"])
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	r, _, _ := newWebhookRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook",
		bytes.NewReader([]byte(checkoutEventJSON("evt_1"))))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	r, _, _ := newWebhookRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook",
		bytes.NewReader([]byte(checkoutEventJSON("evt_1"))))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStripeWebhook_IgnoredTypeAcknowledged(t *testing.T) {
	r, _, _ := newWebhookRouter(t)

	payload := `{
		"id": "evt_x",
		"object": "event",
		"type": "payment_intent.created",
		"created": ` + jsonInt(time.Now().Unix()) + `,
		"data": {"object": {}}
	}`

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["received"])
	_, hasApplied := body["applied"]
	assert.False(t, hasApplied)
}

func TestStripeWebhook_UnknownSubscriptionAcknowledged(t *testing.T) {
	r, _, _ := newWebhookRouter(t)

	payload := `{
		"id": "evt_y",
		"object": "event",
		"type": "invoice.payment_failed",
		"created": ` + jsonInt(time.Now().Unix()) + `,
		"data": {"object": {
			"id": "in_1",
			"customer": "cus_stranger",
			"subscription": "bsub_stranger"
		}}
	}`

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["applied"])
	assert.Equal(t, ResultUnknownSub, body["result"])
}
