package relay

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/upstream"
)

// State is the lifecycle state of a session's event stream listener.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	errConversationClosed = errors.New("conversation closed by upstream")
	errStreamEnded        = errors.New("event stream ended")
)

// Listener is the single live event stream consumer of a session.
type Listener struct {
	sessionID string
	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
}

// State returns the current listener state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Done is closed once the listener has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
}

// startListener replaces any listener of the session with a fresh one.
func (r *Relay) startListener(sessionID string) *Listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if prev, ok := r.listeners[sessionID]; ok {
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	l := &Listener{
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.listeners[sessionID] = l

	r.wg.Add(1)
	go r.runListener(ctx, l)
	return l
}

func (r *Relay) removeListener(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners[l.sessionID] == l {
		delete(r.listeners, l.sessionID)
	}
}

func (r *Relay) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.MaxInterval = r.opts.MaxBackoff
	b.MaxElapsedTime = r.opts.MaxElapsed
	b.Reset()
	return b
}

func (r *Relay) runListener(ctx context.Context, l *Listener) {
	logger := r.logger.With().Str("session_id", l.sessionID).Logger()
	r.metrics.ListenersActive.Inc()

	defer func() {
		l.setState(StateClosed)
		l.cancel()
		r.removeListener(l)
		r.metrics.ListenersActive.Dec()
		logger.Info().Msg("listener closed")
		close(l.done)
		r.wg.Done()
	}()

	bo := r.newBackOff()
	resume := false

	for {
		l.setState(StateConnecting)
		received, err := r.consume(ctx, l, resume, logger)
		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, errConversationClosed):
			r.closeConversation(ctx, l, logger)
			return
		case errors.Is(err, domain.ErrSessionNotFound):
			logger.Info().Msg("session gone, stopping listener")
			return
		}

		transportErr := &domain.StreamTransportError{SessionID: l.sessionID, Err: err}
		logger.Warn().Err(transportErr).Msg("event stream failed")
		if !r.opts.Reconnect {
			return
		}

		// A stream that opens and ends without an event keeps backing off.
		if received {
			bo.Reset()
		}
		if upstream.IsUnauthorized(err) {
			if _, err := r.refreshToken(ctx, l.sessionID); err != nil {
				logger.Warn().Err(err).Msg("token refresh before reconnect failed")
				if errors.Is(err, domain.ErrAccessTokenMissing) {
					return
				}
			}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			logger.Warn().Msg("giving up on event stream")
			return
		}
		r.metrics.StreamReconnects.Inc()
		logger.Info().Dur("backoff", wait).Msg("reconnecting event stream")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		resume = true
	}
}

// consume opens one stream and reads it to the end. received reports whether
// the stream delivered at least one event.
func (r *Relay) consume(ctx context.Context, l *Listener, resume bool, logger zerolog.Logger) (received bool, err error) {
	session, err := r.store.Get(ctx, l.sessionID)
	if err != nil {
		return false, err
	}

	lastEventID := ""
	if resume {
		lastEventID = session.LastEventID
	}
	stream, err := r.upstream.Stream(ctx, session.AccessToken, lastEventID)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	l.setState(StateOpen)
	logger.Info().Msg("event stream opened")

	for {
		ev, err := stream.Next()
		var oversized *upstream.OversizedEventError
		switch {
		case errors.As(err, &oversized):
			received = true
			if oversized.ID != "" {
				r.recordEventID(ctx, l.sessionID, oversized.ID, logger)
			}
			r.metrics.MalformedEvents.Inc()
			logger.Warn().Err(&domain.MalformedEventError{Reason: "event too large", Err: err}).
				Str("event_id", oversized.ID).
				Msg("dropping malformed event")
			continue
		case err == io.EOF:
			return received, errStreamEnded
		case err != nil:
			return received, err
		}
		received = true

		if ev.ID != "" {
			r.recordEventID(ctx, l.sessionID, ev.ID, logger)
		}

		switch domain.StreamEventType(ev.Event) {
		case domain.StreamEventRoutingResult:
			logger.Info().Str("event", ev.Event).Str("data", ev.Data).Msg("routing result received")

		case domain.StreamEventMessage:
			entry, err := Normalize([]byte(ev.Data))
			if err != nil {
				r.metrics.MalformedEvents.Inc()
				logger.Warn().Err(err).Str("event_id", ev.ID).Msg("dropping malformed event")
				continue
			}
			if err := r.sink.PublishEntry(ctx, l.sessionID, entry); err != nil {
				logger.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to publish entry")
				continue
			}
			r.metrics.EntriesRelayed.Inc()

		case domain.StreamEventCloseConversation:
			return received, errConversationClosed

		default:
			logger.Debug().Str("event", ev.Event).Msg("ignoring event")
		}
	}
}

func (r *Relay) recordEventID(ctx context.Context, sessionID, eventID string, logger zerolog.Logger) {
	_, err := r.store.Update(ctx, sessionID, func(s *domain.Session) error {
		s.LastEventID = eventID
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		logger.Debug().Err(err).Msg("failed to record last event id")
	}
}

// closeConversation removes the session after the upstream closed it. A
// listener that has already been replaced by a newer one leaves the store alone.
func (r *Relay) closeConversation(ctx context.Context, l *Listener, logger zerolog.Logger) {
	logger.Info().Msg("conversation closed by upstream")

	r.mu.Lock()
	current := r.listeners[l.sessionID] == l
	r.mu.Unlock()
	if !current {
		return
	}

	if _, err := r.store.Delete(ctx, l.sessionID); err != nil {
		logger.Warn().Err(err).Msg("failed to delete closed session")
		return
	}
	r.metrics.SessionsTornDown.WithLabelValues("closed").Inc()
}
