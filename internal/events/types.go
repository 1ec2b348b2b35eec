package events

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of a streamed event
type EventType string

const (
	// EventTypeBatch is emitted after every anonymized batch
	EventTypeBatch EventType = "batch_anonymized"
	// EventTypeEngineState is emitted when the engine finishes loading
	EventTypeEngineState EventType = "engine_state"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a message sent to clients
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
}

// BatchEvent describes an anonymized batch. Document text is never included.
type BatchEvent struct {
	Documents    int            `json:"documents"`
	Entities     int            `json:"entities"`
	EntityCounts map[string]int `json:"entity_counts,omitempty"`
	CacheHits    int            `json:"cache_hits"`
	DurationMS   float64        `json:"duration_ms"`
	Error        string         `json:"error,omitempty"`
}

// EngineStateEvent reports the readiness state
type EngineStateEvent struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// ConnectionEvent represents client connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	ClientIP string `json:"client_ip"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type   string      `json:"type"`
	Events []EventType `json:"events,omitempty"`
}

// client is a connected event stream consumer
type client struct {
	id          string
	conn        *websocket.Conn
	send        chan Event
	events      map[EventType]bool
	connectedAt time.Time
	ip          string
}

// wants reports whether the client subscribed to the event type. Clients
// without a subscription receive everything.
func (c *client) wants(t EventType) bool {
	if len(c.events) == 0 || t == EventTypePong {
		return true
	}
	return c.events[t]
}
