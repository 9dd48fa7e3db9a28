package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSessionNotFound          = errors.New("session not found")
	ErrAccessTokenMissing       = errors.New("access token missing for session")
	ErrAccessTokenExpired       = errors.New("access token expired")
	ErrConversationMissing      = errors.New("conversation id missing for session")
	ErrConversationAlreadyBound = errors.New("conversation id already set for session")
)

// AuthExchangeError is returned when the anonymous token exchange fails.
type AuthExchangeError struct {
	Err error
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("access token exchange failed: %v", e.Err)
}

func (e *AuthExchangeError) Unwrap() error { return e.Err }

// ConversationCreateError is returned when the upstream does not confirm creation.
type ConversationCreateError struct {
	SessionID string
	Err       error
}

func (e *ConversationCreateError) Error() string {
	return fmt.Sprintf("create conversation for session %s: %v", e.SessionID, e.Err)
}

func (e *ConversationCreateError) Unwrap() error { return e.Err }

// SendError is returned when an outbound message could not be delivered upstream.
type SendError struct {
	SessionID string
	Kind      OutboundKind
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s for session %s: %v", e.Kind, e.SessionID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// MalformedEventError is returned when an upstream event cannot be normalized.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// StreamTransportError is a network-level failure of the event stream.
type StreamTransportError struct {
	SessionID string
	Err       error
}

func (e *StreamTransportError) Error() string {
	return fmt.Sprintf("event stream for session %s: %v", e.SessionID, e.Err)
}

func (e *StreamTransportError) Unwrap() error { return e.Err }
