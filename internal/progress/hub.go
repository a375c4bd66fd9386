// Package progress pushes ephemeral progress events to live listeners
// grouped by correlation id. Delivery is best effort: a listener whose
// buffer is full misses the event, and nothing is replayed.
package progress

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playok/fitalert/internal/metrics"
	"github.com/playok/fitalert/internal/model"
)

// ErrUnknownConnection is returned when subscribing a connection that is
// not connected.
var ErrUnknownConnection = errors.New("unknown connection")

const sendBuffer = 64

// Publisher delivers progress events. Implementations never block on slow
// listeners.
type Publisher interface {
	Publish(correlationID string, ev model.ProgressEvent)
	PublishAll(ev model.ProgressEvent)
}

// Message is the envelope written to listeners.
type Message struct {
	Type         string               `json:"type"`
	ConnectionID string               `json:"connection_id,omitempty"`
	Event        *model.ProgressEvent `json:"event,omitempty"`
}

// Conn is one listener. Events arrive on C until the connection is
// removed with Disconnect, which closes C.
type Conn struct {
	ID    string
	C     <-chan []byte
	send  chan []byte
	group string
}

// Hub tracks connections and their subscription group.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	groups  map[string]map[string]*Conn
	log     *slog.Logger
	metrics *metrics.Metrics

	pingInterval time.Duration
}

// NewHub creates an empty hub. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		conns:   make(map[string]*Conn),
		groups:  make(map[string]map[string]*Conn),
		log:     log.With("component", "progress"),
		metrics: m,

		pingInterval: defaultPingInterval,
	}
}

// Connect registers a new listener with a fresh connection id.
func (h *Hub) Connect() *Conn {
	send := make(chan []byte, sendBuffer)
	c := &Conn{ID: uuid.NewString(), C: send, send: send}

	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetProgressConnections(n)
	return c
}

// Disconnect removes a listener and closes its channel. Unknown ids are
// ignored.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		h.leaveLocked(c)
		delete(h.conns, connID)
		close(c.send)
	}
	n := len(h.conns)
	h.mu.Unlock()

	if ok {
		h.metrics.SetProgressConnections(n)
	}
}

// Subscribe moves a connection into the group for correlationID, leaving
// any group it was in before.
func (h *Hub) Subscribe(connID, correlationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if c.group == correlationID {
		return nil
	}
	h.leaveLocked(c)
	members := h.groups[correlationID]
	if members == nil {
		members = make(map[string]*Conn)
		h.groups[correlationID] = members
	}
	members[connID] = c
	c.group = correlationID
	return nil
}

// Unsubscribe removes a connection from its group. The connection stays
// registered and still receives PublishAll events.
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connID]; ok {
		h.leaveLocked(c)
	}
}

func (h *Hub) leaveLocked(c *Conn) {
	if c.group == "" {
		return
	}
	if members := h.groups[c.group]; members != nil {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.groups, c.group)
		}
	}
	c.group = ""
}

// Group returns the correlation id a connection is subscribed to.
func (h *Hub) Group(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return "", false
	}
	return c.group, true
}

// ConnCount returns the number of connected listeners.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Publish sends ev to the listeners subscribed to correlationID.
func (h *Hub) Publish(correlationID string, ev model.ProgressEvent) {
	ev.CorrelationID = correlationID
	data, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.groups[correlationID] {
		select {
		case c.send <- data:
		default:
			// listener too slow, skip
		}
	}
}

// PublishAll sends ev to every connected listener.
func (h *Hub) PublishAll(ev model.ProgressEvent) {
	data, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *Hub) encode(ev model.ProgressEvent) ([]byte, bool) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(Message{Type: "progress", Event: &ev})
	if err != nil {
		h.log.Warn("dropping unencodable event", "correlation_id", ev.CorrelationID, "err", err)
		return nil, false
	}
	return data, true
}
