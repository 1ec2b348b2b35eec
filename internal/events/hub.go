// Package events streams anonymization activity to WebSocket clients.
package events

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/config"
	"github.com/raaihank/hebrew-safe-harbor/internal/gateway"
	"github.com/raaihank/hebrew-safe-harbor/internal/readiness"
)

// Maximum message size allowed from peer
const maxMessageSize = 512

// HubStats tracks hub statistics
type HubStats struct {
	TotalConnections  int64     `json:"total_connections"`
	ActiveConnections int64     `json:"active_connections"`
	TotalMessages     int64     `json:"total_messages"`
	TotalBroadcasts   int64     `json:"total_broadcasts"`
	DroppedEvents     int64     `json:"dropped_events"`
	LastBroadcastTime time.Time `json:"last_broadcast_time"`
}

// subscription changes the event types a client receives
type subscription struct {
	client *client
	events []EventType
}

// Hub maintains the set of active clients and broadcasts events to them
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client
	subscribe  chan subscription
	done       chan struct{}
	config     config.WebSocketConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	mu         sync.RWMutex
	stats      HubStats
}

// NewHub creates a new hub
func NewHub(cfg config.WebSocketConfig, logger *zap.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		subscribe:  make(chan subscription),
		done:       make(chan struct{}),
		config:     cfg,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run handles registration and broadcasting until ctx ends
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting event hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("Event hub stopped")
			return

		case c := <-h.register:
			h.registerClient(c)

		case c := <-h.unregister:
			h.unregisterClient(c)

		case s := <-h.subscribe:
			h.mu.Lock()
			s.client.events = make(map[EventType]bool, len(s.events))
			for _, t := range s.events {
				s.client.events[t] = true
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) registerClient(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections = int64(len(h.clients))
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", c.id),
		zap.String("client_ip", c.ip),
		zap.Int("active_connections", h.ClientCount()))

	h.broadcastEvent(Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data:      ConnectionEvent{Action: "connected", ClientID: c.id, ClientIP: c.ip},
	})
}

func (h *Hub) unregisterClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	h.remove(c)
	h.mu.Unlock()

	h.logger.Info("Client disconnected",
		zap.String("client_id", c.id),
		zap.Duration("connected_for", time.Since(c.connectedAt)))

	h.broadcastEvent(Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data:      ConnectionEvent{Action: "disconnected", ClientID: c.id, ClientIP: c.ip},
	})
}

// remove drops a client; h.mu must be held
func (h *Hub) remove(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.stats.ActiveConnections = int64(len(h.clients))
}

func (h *Hub) broadcastEvent(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.TotalBroadcasts++
	h.stats.LastBroadcastTime = time.Now()

	for c := range h.clients {
		if !c.wants(event.Type) {
			continue
		}
		select {
		case c.send <- event:
			h.stats.TotalMessages++
		default:
			h.logger.Warn("Client send channel full, closing connection", zap.String("client_id", c.id))
			h.remove(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.remove(c)
	}
}

// Publish queues an event for broadcast, dropping it when the hub is saturated
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("Broadcast channel full, dropping event", zap.String("event_type", string(event.Type)))
	}
}

// Observe publishes a gateway batch summary
func (h *Hub) Observe(summary gateway.Summary) {
	h.Publish(Event{
		Type:      EventTypeBatch,
		RequestID: summary.RequestID,
		Data: BatchEvent{
			Documents:    summary.Documents,
			Entities:     summary.Entities,
			EntityCounts: summary.EntityCounts,
			CacheHits:    summary.CacheHits,
			DurationMS:   float64(summary.Duration.Microseconds()) / 1000,
			Error:        summary.Error,
		},
	})
}

// WatchReadiness publishes the engine state once the tracker leaves Loading
func (h *Hub) WatchReadiness(ctx context.Context, tracker *readiness.Tracker) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-tracker.Done():
		}

		status := tracker.Ready()
		data := EngineStateEvent{Service: status.Service, Status: status.Status}
		if err := tracker.Err(); err != nil {
			data.Error = err.Error()
		}
		h.Publish(Event{Type: EventTypeEngineState, Data: data})
	}()
}

// HandleWebSocket upgrades the connection and streams events to it
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.config.MaxConnections > 0 && h.ClientCount() >= h.config.MaxConnections {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan Event, 256),
		connectedAt: time.Now(),
		ip:          clientIP(r),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write event", zap.String("client_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.pongTimeout()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.pongTimeout()))
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			select {
			case h.subscribe <- subscription{client: c, events: msg.Events}:
			case <-h.done:
				return
			}
		case "ping":
			h.mu.RLock()
			if h.clients[c] {
				select {
				case c.send <- Event{Type: EventTypePong, Timestamp: time.Now()}:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns current hub statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Hub) pingInterval() time.Duration {
	if h.config.PingInterval > 0 {
		return h.config.PingInterval
	}
	return 54 * time.Second
}

func (h *Hub) pongTimeout() time.Duration {
	if h.config.PongTimeout > 0 {
		return h.config.PongTimeout
	}
	return 60 * time.Second
}

func (h *Hub) writeTimeout() time.Duration {
	if h.config.WriteTimeout > 0 {
		return h.config.WriteTimeout
	}
	return 10 * time.Second
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

var _ gateway.Observer = (*Hub)(nil)
