// Package hub manages the set of live WebSocket connections and their
// session bindings (spec.md §6 Component G's connection registry).
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aquagw/gateway/internal/metrics"
)

// Connection is one live WebSocket connection, optionally bound to a
// session once `init` has been handled.
type Connection struct {
	ID           string
	SessionID    string
	Conn         *websocket.Conn
	Send         chan []byte
	Initialized  bool
	LastActivity time.Time

	mu sync.Mutex
}

// sessionMessage is an internal broadcast request.
type sessionMessage struct {
	sessionID string
	data      []byte
}

// Hub tracks connections and their session bindings. One Hub is
// shared process-wide.
type Hub struct {
	connections map[string]*Connection
	sessions    map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *sessionMessage

	log *logrus.Logger
	met *metrics.Registry

	mu sync.RWMutex
}

// New builds a Hub. met may be nil in tests.
func New(log *logrus.Logger, met *metrics.Registry) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *sessionMessage, 256),
		log:         log,
		met:         met,
	}
}

// Run executes the hub's single-goroutine main loop until stop is
// closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.updateGauges()
			h.log.WithField("connection_id", conn.ID).Debug("connection registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if conn.SessionID != "" && h.sessions[conn.SessionID] != nil {
					delete(h.sessions[conn.SessionID], conn.ID)
					if len(h.sessions[conn.SessionID]) == 0 {
						delete(h.sessions, conn.SessionID)
					}
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			h.updateGauges()
			h.log.WithField("connection_id", conn.ID).Debug("connection unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			connIDs := h.sessions[msg.sessionID]
			targets := make([]*Connection, 0, len(connIDs))
			for id := range connIDs {
				if c, ok := h.connections[id]; ok {
					targets = append(targets, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range targets {
				select {
				case c.Send <- msg.data:
				default:
					h.log.WithField("connection_id", c.ID).Warn("send buffer full, dropping connection")
					go h.Unregister(c)
				}
			}
		}
	}
}

func (h *Hub) updateGauges() {
	if h.met == nil {
		return
	}
	h.mu.RLock()
	conns, sessions := len(h.connections), len(h.sessions)
	h.mu.RUnlock()
	h.met.ActiveConnections.Set(float64(conns))
	h.met.ActiveSessions.Set(float64(sessions))
}

// NewConnection wraps ws into a Connection with a fresh ID; it is not
// yet registered.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:           uuid.NewString(),
		Conn:         ws,
		Send:         make(chan []byte, 256),
		LastActivity: time.Now(),
	}
}

// Register makes conn visible to broadcasts.
func (h *Hub) Register(conn *Connection) { h.register <- conn }

// Unregister removes conn and closes its Send channel.
func (h *Hub) Unregister(conn *Connection) { h.unregister <- conn }

// BindSession associates conn with sessionID, moving it out of any
// prior session (spec.md §6 "on init ... set initialized=true").
func (h *Hub) BindSession(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.SessionID != "" && h.sessions[conn.SessionID] != nil {
		delete(h.sessions[conn.SessionID], conn.ID)
		if len(h.sessions[conn.SessionID]) == 0 {
			delete(h.sessions, conn.SessionID)
		}
	}
	conn.SessionID = sessionID
	conn.Initialized = true
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[string]bool)
	}
	h.sessions[sessionID][conn.ID] = true
}

// Touch records activity on conn, used by the maintenance sweep to
// identify stale bindings (SPEC_FULL.md §4.N).
func (h *Hub) Touch(conn *Connection) {
	h.mu.Lock()
	conn.LastActivity = time.Now()
	h.mu.Unlock()
}

// Broadcast queues data for every connection bound to sessionID.
func (h *Hub) Broadcast(sessionID string, data []byte) {
	h.broadcast <- &sessionMessage{sessionID: sessionID, data: data}
}

// BroadcastJSON marshals v and broadcasts it to sessionID.
func (h *Hub) BroadcastJSON(sessionID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(sessionID, data)
	return nil
}

// SendToConnection enqueues data on conn's own Send channel without
// going through the broadcast path. The server sends every outbound
// frame this way (init ack, pong, error, newChatMessage, stream_chunk,
// done).
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	select {
	case conn.Send <- data:
		return nil
	default:
		return errBufferFull
	}
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SessionCount reports the number of bound sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// StaleConnections returns connections whose last activity is older
// than maxIdle, for the maintenance sweep to evict.
func (h *Hub) StaleConnections(maxIdle time.Duration) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cutoff := time.Now().Add(-maxIdle)
	var stale []*Connection
	for _, c := range h.connections {
		if c.LastActivity.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	return stale
}

// WriteMessage writes a raw frame to the underlying socket, serialized
// against concurrent writers on the same connection.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

type bufferFullError struct{}

func (e *bufferFullError) Error() string { return "send buffer full" }

var errBufferFull = &bufferFullError{}
