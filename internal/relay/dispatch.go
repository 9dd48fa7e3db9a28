package relay

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/upstream"
)

const sendFailedPrefix = "Failed to send message: "

// composeFunc builds the outbound text from the current session state.
type composeFunc func(s *domain.Session) string

// SendMessage posts a text message into the session's conversation.
func (r *Relay) SendMessage(ctx context.Context, sessionID, text string) error {
	return r.send(ctx, sessionID, domain.OutboundKindText, func(*domain.Session) string {
		return text
	})
}

// SendFile posts a notice asking the agent to attach an uploaded file to the
// session's case.
func (r *Relay) SendFile(ctx context.Context, sessionID string, file domain.FileAttachment) error {
	return r.send(ctx, sessionID, domain.OutboundKindFile, func(s *domain.Session) string {
		return FileNotice(file, s.Case)
	})
}

// FileNotice renders the attachment request. The case clause is omitted
// when no case is bound to the session.
func FileNotice(file domain.FileAttachment, c *domain.CaseBinding) string {
	text := fmt.Sprintf("Please attach the following file '%s' of type %s and url '%s'", file.Name, file.Type, file.URL)
	if c == nil {
		return text
	}
	return fmt.Sprintf("%s to case with id %s and case number %s", text, c.CaseID, c.CaseNumber)
}

// send makes one attempt and, on a recoverable failure, exactly one
// refresh-and-resend cycle. A final failure is reported to the session once.
func (r *Relay) send(ctx context.Context, sessionID string, kind domain.OutboundKind, compose composeFunc) error {
	logger := r.logger.With().Str("session_id", sessionID).Str("kind", string(kind)).Logger()

	err := r.attemptSend(ctx, sessionID, compose)
	if err != nil && recoverable(err) {
		logger.Info().Err(err).Msg("refreshing access token before resend")
		if _, refreshErr := r.refreshToken(ctx, sessionID); refreshErr != nil {
			err = refreshErr
		} else {
			err = r.attemptSend(ctx, sessionID, compose)
		}
	}
	if err == nil {
		logger.Debug().Msg("message sent")
		return nil
	}

	sendErr := &domain.SendError{SessionID: sessionID, Kind: kind, Err: err}
	r.metrics.SendFailures.Inc()
	logger.Error().Err(sendErr).Msg("failed to send message")
	r.notify(ctx, sessionID, domain.ErrorNotice(sendFailedPrefix+err.Error()))
	return sendErr
}

func (r *Relay) attemptSend(ctx context.Context, sessionID string, compose composeFunc) error {
	session, err := r.store.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.ErrAccessTokenMissing
	}
	if err != nil {
		return err
	}
	if !session.HasToken() {
		return domain.ErrAccessTokenMissing
	}
	if upstream.TokenExpired(session.AccessToken, r.now()) {
		return domain.ErrAccessTokenExpired
	}
	if session.ConversationID == "" {
		return domain.ErrConversationMissing
	}

	msg := upstream.Message{
		ID:   uuid.NewString(),
		Text: compose(session),
	}
	return r.upstream.PostMessage(ctx, session.AccessToken, session.ConversationID, msg)
}

func recoverable(err error) bool {
	return errors.Is(err, domain.ErrAccessTokenMissing) ||
		errors.Is(err, domain.ErrAccessTokenExpired) ||
		upstream.IsUnauthorized(err)
}
