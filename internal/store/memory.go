package store

import (
	"context"
	"sync"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// MemoryStore implements SessionStore with a map guarded by a mutex.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	order    []string // creation order, oldest first
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
	}
}

// Get retrieves a session by ID.
func (m *MemoryStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.Clone(), nil
}

// Set creates or replaces a session.
func (m *MemoryStore) Set(_ context.Context, session *domain.Session) error {
	if session == nil || session.SessionID == "" {
		return domain.ErrSessionNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.SessionID]; !exists {
		m.order = append(m.order, session.SessionID)
	}
	m.sessions[session.SessionID] = session.Clone()
	return nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(m.sessions, sessionID)
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Update reads, mutates and writes a session under the store lock.
func (m *MemoryStore) Update(_ context.Context, sessionID string, fn UpdateFunc) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.SessionID = sessionID
	m.sessions[sessionID] = next
	return next.Clone(), nil
}

// MostRecent returns the most recently created session.
func (m *MemoryStore) MostRecent(_ context.Context) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.order) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return m.sessions[m.order[len(m.order)-1]].Clone(), nil
}

// List returns all sessions in creation order.
func (m *MemoryStore) List(_ context.Context) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].Clone())
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
