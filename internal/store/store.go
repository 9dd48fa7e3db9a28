// Package store defines the session store interface and implementations.
package store

import (
	"context"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// UpdateFunc mutates a copy of the current session. Returning an error aborts the write.
type UpdateFunc func(s *domain.Session) error

// SessionStore is the sole owner of Session and CaseBinding records.
// Implementations return copies; callers never hold shared mutable state.
type SessionStore interface {
	// Get returns domain.ErrSessionNotFound when the id is unknown.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	// Set creates or replaces a session. Replacing keeps the creation position.
	Set(ctx context.Context, session *domain.Session) error
	// Delete removes a session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, sessionID string) (bool, error)
	// Update is a read-modify-write that is atomic with respect to every other mutation.
	Update(ctx context.Context, sessionID string, fn UpdateFunc) (*domain.Session, error)
	// MostRecent returns the most recently created session.
	MostRecent(ctx context.Context) (*domain.Session, error)
	// List returns all sessions in creation order.
	List(ctx context.Context) ([]*domain.Session, error)

	Close() error
}
