package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/spaceporthq/spaceport/internal/catalog"
)

// StripeParser verifies Stripe webhook signatures and translates Stripe
// events into provider-neutral billing events.
type StripeParser struct {
	secret string
}

// NewStripeParser creates a parser bound to the endpoint's signing secret.
func NewStripeParser(secret string) *StripeParser {
	return &StripeParser{secret: secret}
}

// checkoutSession is a minimal representation of checkout.session.completed.
type checkoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// invoice is a minimal representation of invoice.payment_* events.
type invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	PeriodEnd    int64  `json:"period_end"`
}

// stripeSubscription is a minimal representation of customer.subscription.*
// events.
type stripeSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	Items             struct {
		Data []struct {
			Price struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// tier returns the tier named in the price or subscription metadata.
func (s *stripeSubscription) tier() string {
	for _, item := range s.Items.Data {
		if t := strings.TrimSpace(item.Price.Metadata["tier"]); t != "" {
			return t
		}
	}
	return strings.TrimSpace(s.Metadata["tier"])
}

// Parse verifies the payload signature and translates the event. A nil
// event with nil error means the type is one Spaceport deliberately ignores.
// Signature failures are returned as-is (the caller should reject those
// outright); everything else unprocessable wraps ErrInvalidEvent.
func (p *StripeParser) Parse(payload []byte, sigHeader string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("verify stripe signature: %w", err)
	}
	return p.translate(&ev)
}

func (p *StripeParser) translate(ev *stripelib.Event) (*Event, error) {
	occurred := time.Unix(ev.Created, 0).UTC()

	switch ev.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(ev.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: decode checkout.session: %v", ErrInvalidEvent, err)
		}
		if session.Mode != "subscription" {
			return nil, nil
		}
		return &Event{
			EventID:               ev.ID,
			Type:                  EventPaymentSucceeded,
			OccurredAt:            occurred,
			BillingCustomerID:     session.Customer,
			BillingSubscriptionID: session.Subscription,
			Tier:                  parseTierLoose(session.Metadata["tier"]),
		}, nil

	case "invoice.payment_succeeded":
		var inv invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrInvalidEvent, err)
		}
		out := &Event{
			EventID:               ev.ID,
			Type:                  EventPaymentSucceeded,
			OccurredAt:            occurred,
			BillingCustomerID:     inv.Customer,
			BillingSubscriptionID: inv.Subscription,
		}
		if inv.PeriodEnd > 0 {
			out.PeriodEnd = time.Unix(inv.PeriodEnd, 0).UTC()
		}
		return out, nil

	case "invoice.payment_failed":
		var inv invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrInvalidEvent, err)
		}
		return &Event{
			EventID:               ev.ID,
			Type:                  EventPaymentFailed,
			OccurredAt:            occurred,
			BillingCustomerID:     inv.Customer,
			BillingSubscriptionID: inv.Subscription,
		}, nil

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrInvalidEvent, err)
		}
		return &Event{
			EventID:               ev.ID,
			Type:                  EventCancelled,
			OccurredAt:            occurred,
			BillingCustomerID:     sub.Customer,
			BillingSubscriptionID: sub.ID,
		}, nil

	case "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrInvalidEvent, err)
		}
		// Scheduling cancellation counts as the cancellation itself; access
		// runs out the paid period either way.
		if sub.CancelAtPeriodEnd {
			return &Event{
				EventID:               ev.ID,
				Type:                  EventCancelled,
				OccurredAt:            occurred,
				BillingCustomerID:     sub.Customer,
				BillingSubscriptionID: sub.ID,
			}, nil
		}
		tier, err := catalog.ParseTier(sub.tier())
		if err != nil {
			// Plan changes we cannot map to a tier (or unrelated updates
			// like payment method changes) are not ours to act on.
			return nil, nil
		}
		return &Event{
			EventID:               ev.ID,
			Type:                  EventTierChanged,
			OccurredAt:            occurred,
			BillingCustomerID:     sub.Customer,
			BillingSubscriptionID: sub.ID,
			Tier:                  tier,
		}, nil

	default:
		return nil, nil
	}
}

// parseTierLoose maps a metadata tier name, falling back to empty (no tier
// change) when absent or unknown.
func parseTierLoose(s string) catalog.Tier {
	tier, err := catalog.ParseTier(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return tier
}
