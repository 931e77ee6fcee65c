// Package wshub implements the WS Hub: connection registry and broadcast
// fan-out to connected sessions. Session-scoped push
// (job:progress/complete/error) is the Session Router's job; the hub
// only knows how to reach every live connection.
package wshub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// writeWait bounds how long a single frame write may block. The job
// topic is fanned out by one goroutine for all sessions, so a dead or
// stalled client must fail its own write quickly instead of holding up
// everyone else's events.
const writeWait = 10 * time.Second

// Conn wraps one session's live WS connection with its own write mutex,
// grounded on helixml-helix's UserConnectionWrapper: gorilla/websocket
// connections are not safe for concurrent writers.
type Conn struct {
	SessionID string
	ws        *websocket.Conn
	mu        sync.Mutex
}

// WriteJSON marshals v and sends it as a text frame, serialized against
// concurrent writers from both the hub's broadcast path and the session
// router's per-job push path. Every write carries a deadline; a
// connection that cannot drain within writeWait errors out and gets
// closed by its read loop.
func (c *Conn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// Hub tracks every live connection and can fan a message out to all of
// them. Broadcasting suspends naturally when the connection map is empty:
// callers should check Count() before producing work for an idle
// broadcaster.
type Hub struct {
	mu          sync.Mutex
	connections map[string]*Conn
	onCount     func(int)
	log         zerolog.Logger
}

func New(log zerolog.Logger) *Hub {
	return &Hub{connections: make(map[string]*Conn), log: log}
}

// Notify registers fn to be called with the live-connection count after
// every add/remove, for the metrics gauge.
func (h *Hub) Notify(fn func(int)) {
	h.mu.Lock()
	h.onCount = fn
	h.mu.Unlock()
}

// Add registers ws under sessionID and returns the wrapped connection.
func (h *Hub) Add(sessionID string, ws *websocket.Conn) *Conn {
	c := &Conn{SessionID: sessionID, ws: ws}
	h.mu.Lock()
	h.connections[sessionID] = c
	n, fn := len(h.connections), h.onCount
	h.mu.Unlock()
	if fn != nil {
		fn(n)
	}
	return c
}

// Remove drops sessionID from the registry.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	delete(h.connections, sessionID)
	n, fn := len(h.connections), h.onCount
	h.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Get returns the connection for sessionID, if still live.
func (h *Hub) Get(sessionID string) (*Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.connections[sessionID]
	return c, ok
}

// Count reports the number of live connections, used to suspend idle
// broadcasters.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Broadcast sends v to every live connection, logging (not failing) on a
// per-connection write error so one dead socket never blocks the rest.
func (h *Hub) Broadcast(v any) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(v); err != nil {
			h.log.Debug().Err(err).Str("session", c.SessionID).Msg("broadcast write failed")
		}
	}
}
