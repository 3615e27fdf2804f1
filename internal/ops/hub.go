package ops

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/supervisor"
)

// Event types streamed to observers.
const (
	EventHello               = "hello"
	EventManagerReady        = "manager_ready"
	EventManagerDisconnected = "manager_disconnected"
	EventConnection          = "connection"
	EventWeight              = "weight"
	EventError               = "error"
	EventStatus              = "status"
)

const (
	observerBuffer = 32
	writeWait      = 2 * time.Second
)

// Event is one frame on the /events stream.
type Event struct {
	Type       string    `json:"type"`
	Observer   string    `json:"observer,omitempty"`
	Connected  bool      `json:"connected,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	Weight     float64   `json:"weight,omitempty"`
	Stable     bool      `json:"stable,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

type observer struct {
	id   uuid.UUID
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// offer queues msg without blocking. It reports false when the buffer is full.
func (o *observer) offer(msg []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return true
	}
	select {
	case o.send <- msg:
		return true
	default:
		return false
	}
}

func (o *observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.send)
	}
}

// Hub fans supervisor events out to websocket observers. It is registered
// as a supervisor listener; slow observers are dropped rather than allowed
// to stall delivery.
type Hub struct {
	mu        sync.Mutex
	observers map[uuid.UUID]*observer
	log       logger.Logger
	now       func() time.Time
}

// NewHub creates an empty hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		observers: make(map[uuid.UUID]*observer),
		log:       log.WithComponent("ops-hub"),
		now:       time.Now,
	}
}

// Attach registers conn and serves it until the peer goes away.
func (h *Hub) Attach(conn *websocket.Conn) {
	o := &observer{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, observerBuffer),
	}

	h.mu.Lock()
	h.observers[o.id] = o
	n := len(h.observers)
	h.mu.Unlock()

	h.log.Debug().Str("observer", o.id.String()).Int("observers", n).Msg("observer attached")

	h.enqueue(o, Event{Type: EventHello, Observer: o.id.String()})

	go h.writeLoop(o)
	h.readLoop(o)
}

// readLoop discards inbound frames; it exists to notice the peer closing.
func (h *Hub) readLoop(o *observer) {
	defer h.detach(o)

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(o *observer) {
	defer o.conn.Close()

	for msg := range o.send {
		_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug().Err(err).Str("observer", o.id.String()).Msg("observer write failed")
			h.detach(o)
			return
		}
	}

	_ = o.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (h *Hub) detach(o *observer) {
	h.mu.Lock()
	_, ok := h.observers[o.id]
	delete(h.observers, o.id)
	h.mu.Unlock()

	if ok {
		h.log.Debug().Str("observer", o.id.String()).Msg("observer detached")
	}
	o.close()
}

// Count returns the number of attached observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close detaches every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	obs := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		obs = append(obs, o)
	}
	h.observers = make(map[uuid.UUID]*observer)
	h.mu.Unlock()

	for _, o := range obs {
		o.close()
	}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	obs := make([]*observer, 0, len(h.observers))
	for _, o := range h.observers {
		obs = append(obs, o)
	}
	h.mu.Unlock()

	for _, o := range obs {
		h.enqueue(o, ev)
	}
}

func (h *Hub) enqueue(o *observer, ev Event) {
	ev.Time = h.now()

	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("encode event")
		return
	}

	if !o.offer(msg) {
		h.log.Warn().Str("observer", o.id.String()).Msg("observer too slow, dropping")
		h.detach(o)
	}
}

func (h *Hub) OnManagerReady() {
	h.broadcast(Event{Type: EventManagerReady})
}

func (h *Hub) OnManagerDisconnected() {
	h.broadcast(Event{Type: EventManagerDisconnected})
}

func (h *Hub) OnConnectionStateChanged(connected bool, name string) {
	h.broadcast(Event{Type: EventConnection, Connected: connected, DeviceName: name})
}

func (h *Hub) OnWeightReceived(weight float64, stable bool) {
	h.broadcast(Event{Type: EventWeight, Weight: weight, Stable: stable})
}

func (h *Hub) OnError(message string) {
	h.broadcast(Event{Type: EventError, Message: message})
}

func (h *Hub) OnStatusChanged(status string) {
	h.broadcast(Event{Type: EventStatus, Message: status})
}

var _ supervisor.Listener = (*Hub)(nil)
