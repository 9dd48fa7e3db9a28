package ws

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/relay/internal/bus"
	"github.com/xiaot623/gogo/relay/internal/hub"
	"github.com/xiaot623/gogo/relay/internal/logging"
	"github.com/xiaot623/gogo/relay/internal/protocol"
)

// Subscriber yields the bus messages to deliver.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan *message.Message, error)
}

// Forwarder moves relay output from the bus onto client connections.
type Forwarder struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

// NewForwarder creates a forwarder delivering through h.
func NewForwarder(h *hub.Hub) *Forwarder {
	return &Forwarder{hub: h, logger: logging.Component("forwarder")}
}

// Run delivers messages until ctx is done or the bus closes.
func (f *Forwarder) Run(ctx context.Context, sub Subscriber) error {
	messages, err := sub.Subscribe(ctx)
	if err != nil {
		return err
	}
	f.Consume(messages)
	return nil
}

// Consume delivers messages until the channel closes.
func (f *Forwarder) Consume(messages <-chan *message.Message) {
	for msg := range messages {
		f.forward(msg)
		// Publishers block until ack, never leave one hanging.
		msg.Ack()
	}
}

func (f *Forwarder) forward(msg *message.Message) {
	d := bus.Decode(msg)

	switch d.Kind {
	case bus.KindEntry:
		f.toSession(d, protocol.EventConversationMessage)
	case bus.KindInternal:
		f.toSession(d, protocol.EventInternal)
	case bus.KindContent:
		data, err := protocol.EncodeRaw(protocol.EventContentUpdate, d.Payload)
		if err != nil {
			f.logger.Error().Err(err).Msg("failed to encode content update")
			return
		}
		f.hub.BroadcastNamespace(protocol.NamespaceViewer, data)
	default:
		f.logger.Warn().Str("kind", string(d.Kind)).Str("message_id", msg.UUID).Msg("unknown delivery kind")
	}
}

func (f *Forwarder) toSession(d bus.Delivery, event string) {
	if d.SessionID == "" {
		f.logger.Warn().Str("event", event).Msg("delivery without session")
		return
	}
	data, err := protocol.EncodeRaw(event, d.Payload)
	if err != nil {
		f.logger.Error().Err(err).Str("event", event).Msg("failed to encode delivery")
		return
	}
	if !f.hub.HasActiveConnections(d.SessionID) {
		f.logger.Debug().Str("session_id", d.SessionID).Str("event", event).Msg("no connection bound to session")
	}
	f.hub.SendToSession(d.SessionID, data)
}
