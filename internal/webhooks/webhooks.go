// Package webhooks delivers subscription lifecycle notifications to
// tenant-registered HTTPS endpoints.
//
// Tenants register endpoint URLs to be notified about:
// - Subscription state transitions (trial, active, grace, cancelled, expired)
// - Administrative suspension and restoration
//
// Deliveries are signed with a per-endpoint HMAC secret so receivers can
// verify origin. Endpoints that fail too many times in a row are disabled.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spaceporthq/spaceport/internal/syncutil"
)

// EventType names a notification kind an endpoint can subscribe to.
type EventType string

const (
	EventSubscriptionTransitioned EventType = "subscription.transitioned"
	EventTenantSuspended          EventType = "tenant.suspended"
	EventTenantResumed            EventType = "tenant.resumed"
)

var knownEvents = map[EventType]bool{
	EventSubscriptionTransitioned: true,
	EventTenantSuspended:          true,
	EventTenantResumed:            true,
}

// KnownEvent reports whether an event type can be subscribed to.
func KnownEvent(t EventType) bool { return knownEvents[t] }

// ErrNotFound is returned when an endpoint does not exist or belongs to a
// different tenant.
var ErrNotFound = errors.New("webhooks: endpoint not found")

// Event is one delivered notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	TenantID  string                 `json:"tenantId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Endpoint is one tenant-registered delivery target. Secret is used for
// HMAC signing and is returned exactly once, at creation.
type Endpoint struct {
	ID                  string      `json:"id"`
	TenantID            string      `json:"tenantId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists webhook endpoints.
type Store interface {
	Create(ctx context.Context, e *Endpoint) error
	Get(ctx context.Context, id, tenantID string) (*Endpoint, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Endpoint, error)
	// FindSubscribed returns the tenant's active endpoints subscribed to
	// the given event type.
	FindSubscribed(ctx context.Context, tenantID string, t EventType) ([]*Endpoint, error)
	Update(ctx context.Context, e *Endpoint) error
	Delete(ctx context.Context, id, tenantID string) error
}

// maxConsecutiveFailures is how many deliveries may fail in a row before an
// endpoint is disabled. Re-enabling is a tenant action (update or recreate).
const maxConsecutiveFailures = 10

// Dispatcher sends events to subscribed endpoints. Sends are asynchronous;
// delivery state (last success, last error, failure streak) is written back
// to the store as results arrive.
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(string) error

	// locks serializes delivery-state writes per endpoint, so concurrent
	// deliveries to the same endpoint don't clobber each other's failure
	// streak while deliveries to different endpoints proceed in parallel.
	locks syncutil.ContextShardedMutex
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		urlValidator: ValidateURL,
	}
}

// ValidateURL rejects delivery targets that could reach internal
// infrastructure: non-HTTP schemes, loopback, link-local, and private
// addresses.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return errors.New("loopback addresses are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return errors.New("private addresses are not allowed")
		}
	}
	return nil
}

// Dispatch fans an event out to the tenant's subscribed endpoints. The
// sends run in the background; Dispatch returns once the fan-out is
// started. Store lookup failures are returned so callers can log them.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	endpoints, err := d.store.FindSubscribed(ctx, event.TenantID, event.Type)
	if err != nil {
		return fmt.Errorf("webhooks: find subscribers: %w", err)
	}

	for _, ep := range endpoints {
		go d.send(ep, event)
	}
	return nil
}

// send delivers one event to one endpoint. It runs detached from the
// triggering request, with its own timeout.
func (d *Dispatcher) send(ep *Endpoint, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.urlValidator(ep.URL); err != nil {
		d.recordFailure(ctx, ep, fmt.Sprintf("url rejected: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, ep, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, ep, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Spaceport-Event", string(event.Type))
	req.Header.Set("X-Spaceport-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	req.Header.Set("X-Spaceport-Signature", Sign(payload, ep.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, ep, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, ep)
	} else {
		d.recordFailure(ctx, ep, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 receivers verify deliveries with.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, ep *Endpoint) {
	unlock, err := d.locks.LockContext(ctx, ep.ID)
	if err != nil {
		return
	}
	defer unlock()

	// Re-read under the lock: the copy from FindSubscribed is stale by now
	// if another delivery to this endpoint finished first.
	cur, err := d.store.Get(ctx, ep.ID, ep.TenantID)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	cur.LastSuccess = &now
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
	_ = d.store.Update(ctx, cur)
}

func (d *Dispatcher) recordFailure(ctx context.Context, ep *Endpoint, errMsg string) {
	unlock, err := d.locks.LockContext(ctx, ep.ID)
	if err != nil {
		return
	}
	defer unlock()

	cur, err := d.store.Get(ctx, ep.ID, ep.TenantID)
	if err != nil {
		return
	}

	cur.LastError = errMsg
	cur.ConsecutiveFailures++
	if cur.ConsecutiveFailures >= maxConsecutiveFailures {
		cur.Active = false
	}
	_ = d.store.Update(ctx, cur)
}

// MemoryStore keeps endpoints in memory for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewMemoryStore creates an in-memory endpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{endpoints: make(map[string]*Endpoint)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, e *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.endpoints[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id, tenantID string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *ep
	return &cp, nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range m.endpoints {
		if ep.TenantID == tenantID {
			cp := *ep
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindSubscribed(_ context.Context, tenantID string, t EventType) ([]*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range m.endpoints {
		if ep.TenantID != tenantID || !ep.Active {
			continue
		}
		for _, et := range ep.Events {
			if et == t {
				cp := *ep
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, e *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	m.endpoints[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	return nil
}
