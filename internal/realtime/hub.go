// Package realtime streams live platform activity over WebSocket.
//
// Operators and tenant dashboards subscribe to the ops feed instead of
// polling the API:
// - Subscription transitions as the state machine applies them
// - Authorization decisions (optionally denials only)
// - Billing webhook outcomes and sweep runs
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spaceporthq/spaceport/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for ops feed events
type EventType string

const (
	EventTransition EventType = "subscription_transition"
	EventDecision   EventType = "decision"
	EventBilling    EventType = "billing_event"
	EventSweep      EventType = "sweep"
)

// Event is one ops feed entry. TenantID scopes delivery: tenant-bound
// clients only ever see their own events, platform-wide events (empty
// TenantID) reach admin clients only.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TenantID  string      `json:"tenantId,omitempty"`
	Data      interface{} `json:"data"`
}

// TransitionData is the payload of a subscription_transition event.
type TransitionData struct {
	SubscriptionID string `json:"subscriptionId"`
	From           string `json:"from"`
	To             string `json:"to"`
	Event          string `json:"event"`
	Tier           string `json:"tier"`
}

// DecisionData is the payload of a decision event.
type DecisionData struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
}

// BillingData is the payload of a billing_event event.
type BillingData struct {
	EventType string `json:"eventType"`
	Result    string `json:"result"`
}

// SweepData is the payload of a sweep event.
type SweepData struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
}

// Filter narrows what a client receives within its scope.
type Filter struct {
	AllEvents    bool        `json:"allEvents"`
	EventTypes   []EventType `json:"eventTypes"`
	Capabilities []string    `json:"capabilities"` // Watch specific capabilities
	DeniedOnly   bool        `json:"deniedOnly"`   // Only denied decisions
}

// Scope is the server-assigned visibility of a connection. Clients choose
// filters; they never choose scope.
type Scope struct {
	TenantID string
	Admin    bool
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	filter Filter
	scope  Scope
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ops feed hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ops feed hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("ops feed hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client connected", "tenant", client.scope.TenantID, "admin", client.scope.Admin, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("feed client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- h.serialize(event):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks scope first, then the client's filter.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	// Scope is not negotiable: tenant clients see their tenant only.
	// Platform-wide events (no tenant) are admin material.
	if !client.scope.Admin && event.TenantID != client.scope.TenantID {
		return false
	}

	client.mu.RLock()
	filter := client.filter
	client.mu.RUnlock()

	if filter.AllEvents {
		return true
	}

	// Check event type filter
	if len(filter.EventTypes) > 0 {
		matched := false
		for _, t := range filter.EventTypes {
			if t == event.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	// Decision-specific filters leave other event types alone.
	if d, ok := event.Data.(DecisionData); ok {
		if filter.DeniedOnly && d.Allowed {
			return false
		}
		if len(filter.Capabilities) > 0 {
			matched := false
			for _, capability := range filter.Capabilities {
				if capability == d.Capability {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}

	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// BroadcastTransition publishes a subscription state change. Plain strings
// keep the feed decoupled from the subscription package; the server's
// transition hook does the conversion.
func (h *Hub) BroadcastTransition(tenantID, subscriptionID, from, to, event, tier string) {
	h.Broadcast(&Event{
		Type:      EventTransition,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Data: TransitionData{
			SubscriptionID: subscriptionID,
			From:           from,
			To:             to,
			Event:          event,
			Tier:           tier,
		},
	})
}

// BroadcastDecision publishes an authorization outcome.
func (h *Hub) BroadcastDecision(tenantID, capability string, allowed bool, reason string) {
	h.Broadcast(&Event{
		Type:      EventDecision,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Data: DecisionData{
			Capability: capability,
			Allowed:    allowed,
			Reason:     reason,
		},
	})
}

// BroadcastBillingEvent publishes a processed webhook outcome.
func (h *Hub) BroadcastBillingEvent(tenantID, eventType, result string) {
	h.Broadcast(&Event{
		Type:      EventBilling,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Data:      BillingData{EventType: eventType, Result: result},
	})
}

// BroadcastSweep publishes a sweep summary. No tenant: admin clients only.
func (h *Hub) BroadcastSweep(scanned, expired int) {
	h.Broadcast(&Event{
		Type:      EventSweep,
		Timestamp: time.Now().UTC(),
		Data:      SweepData{Scanned: scanned, Expired: expired},
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. The caller resolves scope
// from its auth layer before upgrading.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, scope Scope) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		filter: Filter{AllEvents: true}, // Default: everything in scope
		scope:  scope,
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (filter updates, pings)
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Parse filter update
		var filter Filter
		if err := json.Unmarshal(message, &filter); err == nil {
			c.mu.Lock()
			c.filter = filter
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
