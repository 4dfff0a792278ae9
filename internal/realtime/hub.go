// Package realtime streams assessment verdicts and live face metrics to
// dashboards and trading clients over WebSocket.
//
// Clients receive every event by default and can narrow their feed by
// sending a Subscription message at any time.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/tiltguard/internal/metrics"
)

// EventType names a realtime event.
type EventType string

const (
	EventAssessmentCompleted EventType = "assessment.completed"
	EventAssessmentOverride  EventType = "assessment.override"
	EventFaceMetrics         EventType = "face.metrics"
)

// Event is one realtime message. UserID, Verdict and RiskScore are lifted
// out of Data so subscriptions can filter without decoding it.
type Event struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"userId"`
	Verdict   string    `json:"verdict,omitempty"`
	RiskScore int       `json:"riskScore,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// MaxClients caps concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans events out to subscribed clients. All membership changes go
// through Run.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int
	upgrader   websocket.Upgrader
	origins    []string

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	slowClients   atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a hub. Browser connections are accepted from the serving
// host only until WithAllowedOrigins widens the list.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins accepts browser connections from the given origins in
// addition to the serving host. "*" accepts any origin.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	h.origins = origins
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// Run owns the client set until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// drop removes c and closes its channel. Caller holds h.mu.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// fanOut encodes ev once and queues it for every matching client. Clients
// whose buffer is full are disconnected rather than allowed to stall the hub.
func (h *Hub) fanOut(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.drop(c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.slowClients.Add(int64(len(slow)))
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow websocket clients", "count", len(slow))
}

// Broadcast queues ev without blocking. Events are dropped when the queue
// is full.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "type", ev.Type)
	}
}

// BroadcastAssessment sends an assessment event of the given type.
func (h *Hub) BroadcastAssessment(typ EventType, userID, verdict string, riskScore int, data any) {
	h.Broadcast(&Event{
		Type:      typ,
		UserID:    userID,
		Verdict:   verdict,
		RiskScore: riskScore,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// BroadcastFaceMetrics sends a face metrics sample for a user.
func (h *Hub) BroadcastFaceMetrics(userID string, data any) {
	h.Broadcast(&Event{
		Type:      EventFaceMetrics,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
		"slowClients":      h.slowClients.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
