// Package protocol defines the WebSocket envelope exchanged between browser
// clients and the relay.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// Namespaces
const (
	NamespaceConversation = "salesforce"
	NamespaceViewer       = "pdf"
)

// Events from client to relay
const (
	EventInitSession = "init-session"
	EventSendMessage = "send-message"
	EventSendFile    = "send-file"
)

// Events from relay to client
const (
	EventConversationMessage = "salesforce-message"
	EventInternal            = "internal"
	EventContentUpdate       = "pdf-update"
)

// Envelope wraps every message on the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ts    int64           `json:"ts"`
}

// InitSessionData is the payload of init-session.
type InitSessionData struct {
	SessionID string `json:"sessionId"`
}

// SendMessageData is the payload of send-message.
type SendMessageData struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// SendFileData is the payload of send-file.
type SendFileData struct {
	SessionID string                `json:"sessionId"`
	Content   domain.FileAttachment `json:"content"`
}

// ValidNamespace reports whether the namespace is served.
func ValidNamespace(ns string) bool {
	return ns == NamespaceConversation || ns == NamespaceViewer
}

// Encode builds a serialized envelope stamped with the current time.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s data", event)
	}
	return EncodeRaw(event, raw)
}

// EncodeRaw is Encode for an already serialized payload.
func EncodeRaw(event string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{
		Event: event,
		Data:  data,
		Ts:    time.Now().UnixMilli(),
	})
}

// Decode parses an inbound envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, errors.Wrap(err, "invalid envelope")
	}
	if env.Event == "" {
		return env, errors.New("envelope without event")
	}
	return env, nil
}

// DecodeData parses the payload of an envelope into v.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.Errorf("%s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return errors.Wrapf(err, "%s: invalid data", env.Event)
	}
	return nil
}
