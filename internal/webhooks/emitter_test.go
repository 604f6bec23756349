package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_NilSafe(t *testing.T) {
	// A nil emitter (webhooks not configured) must be a no-op, not a panic.
	var e *Emitter
	e.EmitSubscriptionTransitioned("ten_1", "sub_1", "trialing", "active", "activate", "starter")
	e.EmitTenantSuspended("ten_1", "admin")
	e.EmitTenantResumed("ten_1", "active")
}

func TestEmitter_DeliversTransitionEvent(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Endpoint{
		ID:       "wh1",
		TenantID: "ten_1",
		URL:      server.URL,
		Events:   []EventType{EventSubscriptionTransitioned},
		Active:   true,
	})

	e := NewEmitter(newTestDispatcher(store), discardLogger())
	e.EmitSubscriptionTransitioned("ten_1", "sub_1", "trialing", "active", "activate", "starter")

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var event Event
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatalf("Failed to parse delivered event: %v", err)
	}
	if event.Type != EventSubscriptionTransitioned {
		t.Errorf("Expected subscription.transitioned, got %s", event.Type)
	}
	if event.TenantID != "ten_1" {
		t.Errorf("Expected tenant ten_1, got %s", event.TenantID)
	}
	if !strings.HasPrefix(event.ID, "evt_") {
		t.Errorf("Expected generated event ID with evt_ prefix, got %s", event.ID)
	}
	if event.Data["subscriptionId"] != "sub_1" {
		t.Errorf("Expected subscriptionId sub_1, got %v", event.Data["subscriptionId"])
	}
	if event.Data["from"] != "trialing" || event.Data["to"] != "active" {
		t.Errorf("Expected trialing->active, got %v->%v", event.Data["from"], event.Data["to"])
	}
	if event.Data["tier"] != "starter" {
		t.Errorf("Expected tier starter, got %v", event.Data["tier"])
	}
}

func TestEmitter_SuspensionEventData(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Endpoint{
		ID:       "wh1",
		TenantID: "ten_1",
		URL:      server.URL,
		Events:   []EventType{EventTenantSuspended},
		Active:   true,
	})

	e := NewEmitter(newTestDispatcher(store), discardLogger())
	e.EmitTenantSuspended("ten_1", "ops@example.com")

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var event Event
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatalf("Failed to parse delivered event: %v", err)
	}
	if event.Type != EventTenantSuspended {
		t.Errorf("Expected tenant.suspended, got %s", event.Type)
	}
	if event.Data["actor"] != "ops@example.com" {
		t.Errorf("Expected actor recorded, got %v", event.Data["actor"])
	}
}
