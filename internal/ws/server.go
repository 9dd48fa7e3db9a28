// Package ws provides the browser-facing WebSocket server.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/relay/internal/config"
	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/hub"
	"github.com/xiaot623/gogo/relay/internal/logging"
	"github.com/xiaot623/gogo/relay/internal/protocol"
)

const (
	intentBuffer  = 64
	intentTimeout = 60 * time.Second
)

// Relay is the part of the session relay driven by client intents.
type Relay interface {
	InitSession(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, sessionID, text string) error
	SendFile(ctx context.Context, sessionID string, file domain.FileAttachment) error
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	relay    Relay
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, relay Relay) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    h,
		relay:  relay,
		logger: logging.Component("ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Register mounts the WebSocket endpoint.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws/:namespace", s.HandleWebSocket)
}

// checkOrigin accepts requests without an Origin header (non-browser clients).
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigin
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == allowed
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	namespace := c.Param("namespace")
	if !protocol.ValidNamespace(namespace) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown namespace")
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("namespace", namespace).Msg("failed to upgrade websocket")
		return nil
	}

	conn := s.hub.NewConnection(ws, namespace)
	s.hub.Register(conn)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	s.logger.Info().
		Str("connection_id", conn.ID).
		Str("namespace", namespace).
		Int("namespace_connections", s.hub.GetNamespaceCount(namespace)).
		Msg("websocket connected")

	intents := make(chan protocol.Envelope, intentBuffer)
	go s.writePump(conn)
	go s.intentWorker(conn, intents)
	go s.readPump(conn, intents)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection, intents chan<- protocol.Envelope) {
	defer func() {
		close(intents)
		s.hub.Unregister(conn)
		conn.Close()
		s.logger.Info().
			Str("connection_id", conn.ID).
			Str("namespace", conn.Namespace).
			Msg("websocket disconnected")
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("websocket error")
			}
			return
		}

		s.handleMessage(conn, message, intents)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage validates an incoming envelope and queues conversation
// intents for the connection's worker.
func (s *Server) handleMessage(conn *hub.Connection, data []byte, intents chan<- protocol.Envelope) {
	env, err := protocol.Decode(data)
	if err != nil {
		s.sendError(conn, "Invalid message: "+err.Error())
		return
	}

	if conn.Namespace == protocol.NamespaceViewer {
		s.logger.Info().
			Str("connection_id", conn.ID).
			Str("event", env.Event).
			RawJSON("data", rawOrNull(env.Data)).
			Msg("viewer message received")
		return
	}

	switch env.Event {
	case protocol.EventInitSession, protocol.EventSendMessage, protocol.EventSendFile:
		intents <- env
	default:
		s.sendError(conn, "Unknown event: "+env.Event)
	}
}

// intentWorker runs the intents of one connection in the order they arrived.
func (s *Server) intentWorker(conn *hub.Connection, intents <-chan protocol.Envelope) {
	for env := range intents {
		ctx, cancel := context.WithTimeout(context.Background(), intentTimeout)
		s.handleIntent(ctx, conn, env)
		cancel()
	}
}

func (s *Server) handleIntent(ctx context.Context, conn *hub.Connection, env protocol.Envelope) {
	logger := s.logger.With().Str("connection_id", conn.ID).Str("event", env.Event).Logger()

	switch env.Event {
	case protocol.EventInitSession:
		var msg protocol.InitSessionData
		if !s.decodeIntent(conn, env, &msg) || !s.bind(conn, env, msg.SessionID) {
			return
		}
		if err := s.relay.InitSession(ctx, msg.SessionID); err != nil {
			logger.Warn().Err(err).Str("session_id", msg.SessionID).Msg("init-session failed")
			return
		}
		logger.Info().Str("session_id", msg.SessionID).Msg("session initialized")

	case protocol.EventSendMessage:
		var msg protocol.SendMessageData
		if !s.decodeIntent(conn, env, &msg) || !s.bind(conn, env, msg.SessionID) {
			return
		}
		if err := s.relay.SendMessage(ctx, msg.SessionID, msg.Content); err != nil {
			logger.Warn().Err(err).Str("session_id", msg.SessionID).Msg("send-message failed")
		}

	case protocol.EventSendFile:
		var msg protocol.SendFileData
		if !s.decodeIntent(conn, env, &msg) || !s.bind(conn, env, msg.SessionID) {
			return
		}
		if err := s.relay.SendFile(ctx, msg.SessionID, msg.Content); err != nil {
			logger.Warn().Err(err).Str("session_id", msg.SessionID).Msg("send-file failed")
		}
	}
}

func (s *Server) decodeIntent(conn *hub.Connection, env protocol.Envelope, v any) bool {
	if err := protocol.DecodeData(env, v); err != nil {
		s.sendError(conn, "Invalid message: "+err.Error())
		return false
	}
	return true
}

// bind attaches the connection to the session named by an intent so the
// session's entries and notifications reach it.
func (s *Server) bind(conn *hub.Connection, env protocol.Envelope, sessionID string) bool {
	if sessionID == "" {
		s.sendError(conn, "Invalid message: "+env.Event+" requires sessionId")
		return false
	}
	s.hub.BindSession(conn, sessionID)
	return true
}

// sendError reports a problem with a client message to that connection only.
func (s *Server) sendError(conn *hub.Connection, content string) {
	data, err := protocol.Encode(protocol.EventInternal, domain.ErrorNotice(content))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode error notice")
		return
	}
	if err := s.hub.SendToConnection(conn, data); err != nil {
		s.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("dropping error notice")
	}
}

func rawOrNull(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
