// Package webhook ingests platform events pushed to the relay over HTTP.
package webhook

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/logging"
	"github.com/xiaot623/gogo/relay/internal/metrics"
	"github.com/xiaot623/gogo/relay/internal/policy"
	"github.com/xiaot623/gogo/relay/internal/store"
)

// Event is the body of a webhook request.
type Event struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Field is a platform event field. The platform wraps values as
// {"string": "..."}; bare strings are accepted too.
type Field string

// UnmarshalJSON implements json.Unmarshaler.
func (f *Field) UnmarshalJSON(b []byte) error {
	var plain string
	if err := json.Unmarshal(b, &plain); err == nil {
		*f = Field(plain)
		return nil
	}
	var wrapped struct {
		String *string `json:"string"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return errors.Wrap(err, "field is neither a string nor a wrapped string")
	}
	if wrapped.String != nil {
		*f = Field(*wrapped.String)
	}
	return nil
}

// CaseCreated carries the case to bind to a session.
type CaseCreated struct {
	CaseID     Field `json:"Case_ID__c"`
	CaseNumber Field `json:"Case_Number__c"`
}

// ContentReady carries a document excerpt for passive viewers.
type ContentReady struct {
	FileURL     Field `json:"File_URL__c"`
	FileContent Field `json:"File_Content__c"`
	Chunk       Field `json:"Chunk__c"`
	SessionID   Field `json:"Session_ID__c"`
}

// Decider chooses the action for an event.
type Decider interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Action, error)
}

// ContentPublisher delivers content updates to viewers.
type ContentPublisher interface {
	PublishContent(ctx context.Context, update domain.ContentUpdate) error
}

// Ingestor applies webhook events to the relay.
type Ingestor struct {
	policy    Decider
	store     store.SessionStore
	publisher ContentPublisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(d Decider, st store.SessionStore, pub ContentPublisher, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		policy:    d,
		store:     st,
		publisher: pub,
		metrics:   m,
		logger:    logging.Component("webhook"),
	}
}

// Ingest decides what the event means and applies it. The returned action
// is set even when applying it failed.
func (i *Ingestor) Ingest(ctx context.Context, ev Event) (policy.Action, error) {
	input := policy.Input{Subject: ev.Subject}
	if len(ev.Data) > 0 {
		// Non-object data still reaches the policy through the subject.
		if err := json.Unmarshal(ev.Data, &input.Data); err != nil {
			i.logger.Debug().Err(err).
				Str("subject", ev.Subject).
				RawJSON("data", ev.Data).
				Msg("webhook data is not an object")
		}
	}

	action, err := i.policy.Evaluate(ctx, input)
	if err != nil {
		return policy.ActionIgnore, err
	}
	if i.metrics != nil {
		i.metrics.WebhookEvents.WithLabelValues(string(action)).Inc()
	}

	logger := i.logger.With().Str("subject", ev.Subject).Str("action", string(action)).Logger()
	switch action {
	case policy.ActionBindCase:
		err = i.bindCase(ctx, ev, logger)
	case policy.ActionContentReady:
		err = i.contentReady(ctx, ev, logger)
	default:
		logger.Debug().Msg("webhook event ignored")
	}
	return action, err
}

// bindCase attaches the case to the most recently created session. Events
// carry no session id, so concurrent sessions can receive each other's case.
func (i *Ingestor) bindCase(ctx context.Context, ev Event, logger zerolog.Logger) error {
	var data CaseCreated
	if err := decodeData(ev, &data); err != nil {
		return err
	}

	target, err := i.store.MostRecent(ctx)
	if err != nil {
		return errors.Wrap(err, "no session to bind case to")
	}

	binding := &domain.CaseBinding{CaseID: string(data.CaseID), CaseNumber: string(data.CaseNumber)}
	_, err = i.store.Update(ctx, target.SessionID, func(s *domain.Session) error {
		s.Case = binding
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "bind case to session %s", target.SessionID)
	}

	logger.Info().
		Str("session_id", target.SessionID).
		Str("case_id", binding.CaseID).
		Str("case_number", binding.CaseNumber).
		Msg("case bound to most recent session")
	return nil
}

func (i *Ingestor) contentReady(ctx context.Context, ev Event, logger zerolog.Logger) error {
	var data ContentReady
	if err := decodeData(ev, &data); err != nil {
		return err
	}

	update := domain.ContentUpdate{
		FileURL:     string(data.FileURL),
		FileContent: string(data.FileContent),
		Chunk:       string(data.Chunk),
		SessionID:   string(data.SessionID),
	}
	if err := i.publisher.PublishContent(ctx, update); err != nil {
		return errors.Wrap(err, "publish content update")
	}

	logger.Info().Str("file_url", update.FileURL).Str("session_id", update.SessionID).Msg("content update broadcast")
	return nil
}

func decodeData(ev Event, v any) error {
	if len(ev.Data) == 0 {
		return errors.Errorf("%s: missing data", ev.Subject)
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return errors.Wrapf(err, "%s: invalid data", ev.Subject)
	}
	return nil
}
