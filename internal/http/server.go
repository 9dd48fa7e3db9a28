// Package http provides the relay's internal HTTP server: webhooks, health,
// metrics and session inspection.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/relay/internal/hub"
	"github.com/xiaot623/gogo/relay/internal/logging"
	"github.com/xiaot623/gogo/relay/internal/metrics"
	"github.com/xiaot623/gogo/relay/internal/policy"
	"github.com/xiaot623/gogo/relay/internal/store"
	"github.com/xiaot623/gogo/relay/internal/webhook"
)

// Ingester applies webhook events.
type Ingester interface {
	Ingest(ctx context.Context, ev webhook.Event) (policy.Action, error)
}

// Sessions is the relay surface used for inspection and manual teardown.
type Sessions interface {
	ActiveListeners() int
	ListenerState(sessionID string) (string, bool)
	Teardown(ctx context.Context, sessionID, reason string) error
}

// Server is the internal HTTP server.
type Server struct {
	echo     *echo.Echo
	hub      *hub.Hub
	ingester Ingester
	store    store.SessionStore
	sessions Sessions
	logger   zerolog.Logger
}

// NewEcho returns an echo instance with the relay's middleware.
func NewEcho(component string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(requestLogger(logging.Component(component)))
	e.Use(middleware.Recover())
	return e
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = logger.Warn().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}

// NewServer creates a new internal HTTP server.
func NewServer(h *hub.Hub, ing Ingester, st store.SessionStore, sessions Sessions, m *metrics.Metrics) *Server {
	e := NewEcho("http")

	s := &Server{
		echo:     e,
		hub:      h,
		ingester: ing,
		store:    st,
		sessions: sessions,
		logger:   logging.Component("http"),
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	e.POST("/webhooks/events", s.handleWebhook)
	e.POST("/emit-heroku-event", s.handleWebhook)
	e.GET("/internal/sessions", s.handleListSessions)
	e.DELETE("/internal/sessions/:id", s.handleDeleteSession)

	return s
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.GetConnectionCount(),
		"sessions":    s.hub.GetSessionCount(),
		"listeners":   s.sessions.ActiveListeners(),
	})
}

// WebhookResponse is returned for every accepted webhook body.
type WebhookResponse struct {
	Success bool `json:"success"`
}

// handleWebhook acknowledges any decodable event. Failures to apply it are
// logged, never surfaced to the sender.
func (s *Server) handleWebhook(c echo.Context) error {
	var ev webhook.Event
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	action, err := s.ingester.Ingest(c.Request().Context(), ev)
	if err != nil {
		s.logger.Error().Err(err).Str("subject", ev.Subject).Str("action", string(action)).Msg("webhook ingestion failed")
	}

	return c.JSON(http.StatusOK, WebhookResponse{Success: true})
}

// SessionView is the inspection view of a session. Tokens are never exposed.
type SessionView struct {
	SessionID      string    `json:"sessionId"`
	ConversationID string    `json:"conversationId,omitempty"`
	HasToken       bool      `json:"hasToken"`
	LastEventID    string    `json:"lastEventId,omitempty"`
	CaseID         string    `json:"caseId,omitempty"`
	CaseNumber     string    `json:"caseNumber,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Listener       string    `json:"listener,omitempty"`
	Connected      bool      `json:"connected"`
}

func (s *Server) handleListSessions(c echo.Context) error {
	list, err := s.store.List(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list sessions")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list sessions"})
	}

	views := make([]SessionView, 0, len(list))
	for _, sess := range list {
		view := SessionView{
			SessionID:      sess.SessionID,
			ConversationID: sess.ConversationID,
			HasToken:       sess.HasToken(),
			LastEventID:    sess.LastEventID,
			CreatedAt:      sess.CreatedAt,
			Connected:      s.hub.HasActiveConnections(sess.SessionID),
		}
		if sess.Case != nil {
			view.CaseID = sess.Case.CaseID
			view.CaseNumber = sess.Case.CaseNumber
		}
		if state, ok := s.sessions.ListenerState(sess.SessionID); ok {
			view.Listener = state
		}
		views = append(views, view)
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.sessions.Teardown(c.Request().Context(), id, "admin"); err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("failed to tear down session")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to tear down session"})
	}
	return c.NoContent(http.StatusNoContent)
}
