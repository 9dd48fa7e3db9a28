// Package hub provides connection management for WebSocket clients.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/relay/internal/logging"
	"github.com/xiaot623/gogo/relay/internal/metrics"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID        string
	Namespace string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	hub       *Hub
	mu        sync.Mutex
}

// IdleFunc is called once a session has had no connection for the idle timeout.
type IdleFunc func(sessionID string)

// Hub manages all WebSocket connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Sessions maps session_id to set of connection IDs
	sessions map[string]map[string]bool

	// Namespaces maps namespace to set of connection IDs
	namespaces map[string]map[string]bool

	// Pending teardown timers for sessions without connections
	idleTimers  map[string]*time.Timer
	idleTimeout time.Duration
	onIdle      IdleFunc

	// Outbound deliveries, applied in order
	broadcast chan *Delivery

	// Closed when Run returns
	done     chan struct{}
	doneOnce sync.Once

	metrics *metrics.Metrics
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// Delivery targets either one session or a whole namespace.
type Delivery struct {
	SessionID string
	Namespace string
	Data      []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithIdleTeardown calls fn for a session once it has been without
// connections for timeout. A zero timeout disables idle teardown.
func WithIdleTeardown(timeout time.Duration, fn IdleFunc) Option {
	return func(h *Hub) {
		h.idleTimeout = timeout
		h.onIdle = fn
	}
}

// WithMetrics records connection gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// NewHub creates a new Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		namespaces:  make(map[string]map[string]bool),
		idleTimers:  make(map[string]*time.Timer),
		broadcast:   make(chan *Delivery, 256),
		done:        make(chan struct{}),
		logger:      logging.Component("hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer h.doneOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.stopIdleTimers()
			return

		case msg := <-h.broadcast:
			h.mu.RLock()
			members := h.sessions[msg.SessionID]
			if msg.Namespace != "" {
				members = h.namespaces[msg.Namespace]
			}
			for connID := range members {
				if conn, exists := h.connections[connID]; exists {
					select {
					case conn.Send <- msg.Data:
					default:
						// Buffer full, close the connection
						h.logger.Warn().Str("connection_id", connID).Msg("connection buffer full, closing")
						go h.Unregister(conn)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func addMember(index map[string]map[string]bool, key, connID string) {
	if index[key] == nil {
		index[key] = make(map[string]bool)
	}
	index[key][connID] = true
}

func removeMember(index map[string]map[string]bool, key, connID string) {
	if index[key] == nil {
		return
	}
	delete(index[key], connID)
	if len(index[key]) == 0 {
		delete(index, key)
	}
}

// scheduleIdleLocked arms the idle timer of a session that just lost its
// last connection. Caller holds h.mu.
func (h *Hub) scheduleIdleLocked(sessionID string) {
	if h.idleTimeout <= 0 || h.onIdle == nil || len(h.sessions[sessionID]) > 0 {
		return
	}
	if t, ok := h.idleTimers[sessionID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(h.idleTimeout, func() {
		h.mu.Lock()
		current := h.idleTimers[sessionID] == timer
		if current {
			delete(h.idleTimers, sessionID)
		}
		stillIdle := len(h.sessions[sessionID]) == 0
		h.mu.Unlock()

		if current && stillIdle {
			h.logger.Info().Str("session_id", sessionID).Msg("session idle, tearing down")
			h.onIdle(sessionID)
		}
	})
	h.idleTimers[sessionID] = timer
}

func (h *Hub) cancelIdleLocked(sessionID string) {
	if t, ok := h.idleTimers[sessionID]; ok {
		t.Stop()
		delete(h.idleTimers, sessionID)
	}
}

func (h *Hub) stopIdleTimers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, t := range h.idleTimers {
		t.Stop()
		delete(h.idleTimers, id)
	}
}

// NewConnection creates a new connection in a namespace. It still has to be registered.
func (h *Hub) NewConnection(ws *websocket.Conn, namespace string) *Connection {
	conn := &Connection{
		ID:        uuid.New().String(),
		Namespace: namespace,
		Conn:      ws,
		Send:      make(chan []byte, 256),
		hub:       h,
	}
	return conn
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	addMember(h.namespaces, conn.Namespace, conn.ID)
	if conn.SessionID != "" {
		addMember(h.sessions, conn.SessionID, conn.ID)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsActive.WithLabelValues(conn.Namespace).Inc()
	}
	h.logger.Debug().
		Str("connection_id", conn.ID).
		Str("namespace", conn.Namespace).
		Msg("connection registered")
}

// Unregister unregisters a connection from the hub and closes its send
// channel. Unregistering twice is a no-op.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	_, ok := h.connections[conn.ID]
	if ok {
		delete(h.connections, conn.ID)
		removeMember(h.namespaces, conn.Namespace, conn.ID)
		if conn.SessionID != "" {
			removeMember(h.sessions, conn.SessionID, conn.ID)
			h.scheduleIdleLocked(conn.SessionID)
		}
		close(conn.Send)
	}
	sessionID := conn.SessionID
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.ConnectionsActive.WithLabelValues(conn.Namespace).Dec()
	}
	h.logger.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Msg("connection unregistered")
}

// BindSession binds a connection to a session. Binding cancels any pending
// idle teardown of that session.
func (h *Hub) BindSession(conn *Connection, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.ID]; !ok {
		conn.SessionID = sessionID
		return
	}

	if conn.SessionID == sessionID {
		h.cancelIdleLocked(sessionID)
		addMember(h.sessions, sessionID, conn.ID)
		return
	}

	// Remove from old session if any
	if conn.SessionID != "" {
		removeMember(h.sessions, conn.SessionID, conn.ID)
		h.scheduleIdleLocked(conn.SessionID)
	}

	// Add to new session
	conn.SessionID = sessionID
	h.cancelIdleLocked(sessionID)
	addMember(h.sessions, sessionID, conn.ID)
}

// SessionOf returns the session a connection is bound to.
func (h *Hub) SessionOf(conn *Connection) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return conn.SessionID
}

// SendToSession sends a message to all connections of a session.
func (h *Hub) SendToSession(sessionID string, data []byte) {
	h.deliver(&Delivery{
		SessionID: sessionID,
		Data:      data,
	})
}

// BroadcastNamespace sends a message to every connection of a namespace.
func (h *Hub) BroadcastNamespace(namespace string, data []byte) {
	h.deliver(&Delivery{
		Namespace: namespace,
		Data:      data,
	})
}

func (h *Hub) deliver(d *Delivery) {
	select {
	case h.broadcast <- d:
	case <-h.done:
	}
}

// SendToConnection sends a message to a specific connection. Connections
// that have already been unregistered are skipped.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return ErrNotRegistered
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetNamespaceCount returns the number of active connections in a namespace.
func (h *Hub) GetNamespaceCount(namespace string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.namespaces[namespace])
}

// GetSessionCount returns the number of sessions with at least one connection.
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HasActiveConnections checks if a session has any active connections.
func (h *Hub) HasActiveConnections(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.sessions[sessionID]
	return ok && len(connIDs) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

// ErrNotRegistered is returned when sending to a connection the hub no longer tracks.
var ErrNotRegistered = errors.New("connection not registered")
