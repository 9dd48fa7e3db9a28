// Package bus carries relay output to the WebSocket layer over an in-process
// watermill pub/sub.
package bus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// TopicClient is the topic every client-bound delivery is published on.
const TopicClient = "relay.client"

// Metadata keys.
const (
	MetaKind      = "kind"
	MetaSessionID = "session_id"
)

// Kind tags the payload carried by a delivery.
type Kind string

const (
	KindEntry    Kind = "entry"
	KindInternal Kind = "internal"
	KindContent  Kind = "content"
)

// Delivery is a decoded bus message.
type Delivery struct {
	Kind      Kind
	SessionID string
	Payload   json.RawMessage
}

// Bus publishes client-bound deliveries.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates a bus. Publish blocks until every subscriber has acked, which
// keeps per-session arrival order intact end to end.
func New(logger zerolog.Logger) *Bus {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, newLoggerAdapter(logger))
	return &Bus{pubsub: pubsub}
}

// PublishEntry publishes a normalized conversation entry for a session.
func (b *Bus) PublishEntry(ctx context.Context, sessionID string, entry domain.ConversationEntry) error {
	return b.publish(ctx, KindEntry, sessionID, entry)
}

// PublishInternal publishes a notification for a session.
func (b *Bus) PublishInternal(ctx context.Context, sessionID string, internal domain.Internal) error {
	return b.publish(ctx, KindInternal, sessionID, internal)
}

// PublishContent publishes a content update for passive viewers.
func (b *Bus) PublishContent(ctx context.Context, update domain.ContentUpdate) error {
	return b.publish(ctx, KindContent, update.SessionID, update)
}

func (b *Bus) publish(ctx context.Context, kind Kind, sessionID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", kind)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetaKind, string(kind))
	msg.Metadata.Set(MetaSessionID, sessionID)
	msg.SetContext(ctx)

	if err := b.pubsub.Publish(TopicClient, msg); err != nil {
		return errors.Wrapf(err, "publish %s", kind)
	}
	return nil
}

// Subscribe returns the delivery channel. Every message must be acked.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, TopicClient)
}

// Decode extracts the delivery from a bus message.
func Decode(msg *message.Message) Delivery {
	return Delivery{
		Kind:      Kind(msg.Metadata.Get(MetaKind)),
		SessionID: msg.Metadata.Get(MetaSessionID),
		Payload:   json.RawMessage(msg.Payload),
	}
}

// Close stops the pub/sub and closes subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
