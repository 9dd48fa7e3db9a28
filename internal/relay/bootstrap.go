package relay

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

const (
	initFailedNotice         = "Failed to initialize session"
	conversationFailedPrefix = "Failed to create conversation: "
)

// InitSession acquires a token, registers the session, opens its
// conversation and starts the event stream listener. A session already
// registered under the same id is torn down first.
func (r *Relay) InitSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	logger := r.logger.With().Str("session_id", sessionID).Logger()

	if err := r.Teardown(ctx, sessionID, "reinit"); err != nil {
		logger.Warn().Err(err).Msg("failed to tear down previous session")
	}

	token, err := r.upstream.AccessToken(ctx)
	if err != nil {
		authErr := &domain.AuthExchangeError{Err: err}
		logger.Error().Err(authErr).Msg("failed to initialize session")
		r.notify(ctx, sessionID, domain.ErrorNotice(initFailedNotice))
		return authErr
	}

	session := &domain.Session{
		SessionID:   sessionID,
		AccessToken: token.AccessToken,
		LastEventID: token.LastEventID,
		CreatedAt:   r.now(),
	}
	if err := r.store.Set(ctx, session); err != nil {
		logger.Error().Err(err).Msg("failed to store session")
		r.notify(ctx, sessionID, domain.ErrorNotice(initFailedNotice))
		return errors.Wrap(err, "store session")
	}
	logger.Info().Msg("session initialized")

	conversationID, err := r.CreateConversation(ctx, sessionID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create conversation")
		reason := err
		var createErr *domain.ConversationCreateError
		if errors.As(err, &createErr) {
			reason = createErr.Err
		}
		r.notify(ctx, sessionID, domain.ErrorNotice(conversationFailedPrefix+reason.Error()))
		return err
	}

	r.startListener(sessionID)
	logger.Info().Str("conversation_id", conversationID).Msg("listener started")
	return nil
}

// CreateConversation opens an upstream conversation under a fresh id and
// binds it to the session. A session's conversation id is set at most once.
func (r *Relay) CreateConversation(ctx context.Context, sessionID string) (string, error) {
	session, err := r.store.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) || (err == nil && !session.HasToken()) {
		return "", &domain.ConversationCreateError{SessionID: sessionID, Err: domain.ErrAccessTokenMissing}
	}
	if err != nil {
		return "", &domain.ConversationCreateError{SessionID: sessionID, Err: err}
	}
	if session.ConversationID != "" {
		return "", &domain.ConversationCreateError{SessionID: sessionID, Err: domain.ErrConversationAlreadyBound}
	}

	conversationID := uuid.NewString()
	if err := r.upstream.CreateConversation(ctx, session.AccessToken, conversationID); err != nil {
		return "", &domain.ConversationCreateError{SessionID: sessionID, Err: err}
	}

	_, err = r.store.Update(ctx, sessionID, func(s *domain.Session) error {
		if s.ConversationID != "" {
			return domain.ErrConversationAlreadyBound
		}
		s.ConversationID = conversationID
		return nil
	})
	if err != nil {
		return "", &domain.ConversationCreateError{SessionID: sessionID, Err: err}
	}

	r.logger.Info().
		Str("session_id", sessionID).
		Str("conversation_id", conversationID).
		Msg("conversation created")
	r.notify(ctx, sessionID, domain.InfoConversationBound(conversationID))
	return conversationID, nil
}
