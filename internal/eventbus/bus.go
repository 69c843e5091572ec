// Package eventbus implements the §6.5 outbound event fan-out over a
// gorilla/websocket hub, grounded on the teacher's internal/websocket
// hub (API shape recovered from its surviving hub_test.go: NewHub(stateFn),
// Run, HandleWebSocket, BroadcastState/Message{Type,Data}, and a
// sanitizeData pass protecting JSON encoding from NaN/Inf).
package eventbus

import (
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/homeguard/troubled/internal/collaborators"
)

// Message is the envelope every client receives over the socket.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

type client struct {
	conn *websocket.Conn
	send chan Message
}

// StateFunc returns the current snapshot sent to a client on connect.
type StateFunc func() any

// Hub wraps a set of connected websocket clients and satisfies
// collaborators.EventBus: every TroubleEvent published is fanned out as a
// "troubleEvent" message, and new connections receive an initial
// "initialState" message from the injected StateFunc.
type Hub struct {
	stateFn StateFunc

	mu      sync.Mutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan Message
}

var _ collaborators.EventBus = (*Hub)(nil)

// NewHub constructs a Hub. Call Run in its own goroutine before serving
// HandleWebSocket.
func NewHub(stateFn StateFunc) *Hub {
	return &Hub{
		stateFn:    stateFn,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, sendBuffer),
	}
}

// Run drives the hub's registration and broadcast loop. Blocks until
// broadcast is closed.
func (h *Hub) Run() {
	for {
		select {
		case c, ok := <-h.register:
			if !ok {
				return
			}
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg, ok := <-h.broadcast:
			if !ok {
				h.mu.Lock()
				for c := range h.clients {
					close(c.send)
					delete(h.clients, c)
				}
				h.mu.Unlock()
				return
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the request and registers a new client,
// sending it the initial state snapshot before joining the broadcast fan-out.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("eventbus: websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Message, sendBuffer)}
	h.register <- c

	if h.stateFn != nil {
		c.send <- Message{Type: "initialState", Data: sanitizeData(h.stateFn())}
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// BroadcastState pushes a full state refresh to every connected client,
// used on property/config changes that affect presentation.
func (h *Hub) BroadcastState(state any) {
	h.broadcast <- Message{Type: "rawData", Data: sanitizeData(state)}
}

// Publish implements collaborators.EventBus: fans out one trouble event.
func (h *Hub) Publish(event collaborators.TroubleEvent) {
	h.broadcast <- Message{Type: "troubleEvent", Data: sanitizeData(event)}
}

// Close shuts the hub down, disconnecting all clients.
func (h *Hub) Close() {
	close(h.broadcast)
}

// sanitizeData converts v to its generic JSON representation and recursively
// replaces NaN/Inf float64 values with 0, so a later json.Marshal of the
// Message envelope never errors out on an otherwise-valid event payload.
func sanitizeData(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("eventbus: failed to marshal payload for sanitization")
		return nil
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil
	}
	return sanitizeValue(generic)
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0.0
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner)
		}
		return out
	default:
		return v
	}
}
