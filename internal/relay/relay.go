// Package relay bridges upstream conversation event streams to client sessions.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/logging"
	"github.com/xiaot623/gogo/relay/internal/metrics"
	"github.com/xiaot623/gogo/relay/internal/store"
	"github.com/xiaot623/gogo/relay/internal/upstream"
)

// Upstream is the subset of the messaging API the relay consumes.
type Upstream interface {
	AccessToken(ctx context.Context) (*upstream.Token, error)
	CreateConversation(ctx context.Context, accessToken, conversationID string) error
	PostMessage(ctx context.Context, accessToken, conversationID string, msg upstream.Message) error
	Stream(ctx context.Context, accessToken, lastEventID string) (*upstream.EventStream, error)
}

// Sink receives everything the relay pushes toward clients of a session.
type Sink interface {
	PublishEntry(ctx context.Context, sessionID string, entry domain.ConversationEntry) error
	PublishInternal(ctx context.Context, sessionID string, internal domain.Internal) error
}

// Options tunes stream reconnection.
type Options struct {
	Reconnect      bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed bounds one reconnect streak; zero retries until the session ends.
	MaxElapsed time.Duration
}

// Relay owns the per-session listeners and the outbound dispatch path.
type Relay struct {
	upstream Upstream
	store    store.SessionStore
	sink     Sink
	metrics  *metrics.Metrics
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	refresh singleflight.Group

	mu        sync.Mutex
	listeners map[string]*Listener
	closed    bool
	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a relay.
func New(up Upstream, st store.SessionStore, sink Sink, m *metrics.Metrics, opts Options) *Relay {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		upstream:  up,
		store:     st,
		sink:      sink,
		metrics:   m,
		opts:      opts,
		logger:    logging.Component("relay"),
		now:       time.Now,
		listeners: make(map[string]*Listener),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// Listener returns the live listener of a session, if any.
func (r *Relay) Listener(sessionID string) (*Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[sessionID]
	return l, ok
}

// ListenerState reports the state name of a session's listener.
func (r *Relay) ListenerState(sessionID string) (string, bool) {
	l, ok := r.Listener(sessionID)
	if !ok {
		return "", false
	}
	return l.State().String(), true
}

// ActiveListeners returns the number of running listeners.
func (r *Relay) ActiveListeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Teardown stops the session's listener and removes it from the store.
// It waits for the listener to exit or ctx to end.
func (r *Relay) Teardown(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	l := r.listeners[sessionID]
	delete(r.listeners, sessionID)
	r.mu.Unlock()

	if l != nil {
		l.cancel()
		select {
		case <-l.done:
		case <-ctx.Done():
		}
	}

	deleted, err := r.store.Delete(ctx, sessionID)
	if err != nil {
		return errors.Wrapf(err, "delete session %s", sessionID)
	}
	if deleted || l != nil {
		r.metrics.SessionsTornDown.WithLabelValues(reason).Inc()
		r.logger.Info().
			Str("session_id", sessionID).
			Str("reason", reason).
			Msg("session torn down")
	}
	return nil
}

// Close cancels every listener and waits for them to exit.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.listeners = make(map[string]*Listener)
	r.mu.Unlock()

	r.cancelAll()
	r.wg.Wait()
	return nil
}

// notify pushes an internal notification. Delivery is best effort.
func (r *Relay) notify(ctx context.Context, sessionID string, internal domain.Internal) {
	if err := r.sink.PublishInternal(ctx, sessionID, internal); err != nil {
		r.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Str("type", string(internal.Type)).
			Msg("failed to publish notification")
	}
}

// refreshToken re-acquires a bearer token and merges it into the session.
// Concurrent refreshes for one session collapse into a single exchange that
// outlives any one caller; each caller stops waiting when its own ctx ends.
func (r *Relay) refreshToken(ctx context.Context, sessionID string) (string, error) {
	exchangeCtx := context.WithoutCancel(ctx)
	ch := r.refresh.DoChan(sessionID, func() (any, error) {
		token, err := r.upstream.AccessToken(exchangeCtx)
		if err != nil {
			return "", &domain.AuthExchangeError{Err: err}
		}
		r.metrics.TokenRefreshes.Inc()

		_, err = r.store.Update(exchangeCtx, sessionID, func(s *domain.Session) error {
			s.AccessToken = token.AccessToken
			return nil
		})
		if errors.Is(err, domain.ErrSessionNotFound) {
			return "", domain.ErrAccessTokenMissing
		}
		if err != nil {
			return "", errors.Wrap(err, "store refreshed token")
		}
		return token.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}
