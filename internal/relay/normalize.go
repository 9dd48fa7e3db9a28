package relay

import (
	"bytes"
	"encoding/json"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

type rawEvent struct {
	ConversationID    string    `json:"conversationId"`
	ConversationEntry *rawEntry `json:"conversationEntry"`
}

type rawEntry struct {
	Identifier            string          `json:"identifier"`
	EntryPayload          json.RawMessage `json:"entryPayload"`
	Sender                domain.Sender   `json:"sender"`
	SenderDisplayName     string          `json:"senderDisplayName"`
	TranscriptedTimestamp int64           `json:"transcriptedTimestamp"`
}

type entryPayload struct {
	EntryType       string             `json:"entryType"`
	AbstractMessage json.RawMessage    `json:"abstractMessage"`
	RoutingType     string             `json:"routingType"`
	MessageReason   json.RawMessage    `json:"messageReason"`
	Entries         []participantEntry `json:"entries"`
}

type participantEntry struct {
	Operation   string `json:"operation"`
	DisplayName string `json:"displayName"`
	Participant struct {
		Role string `json:"role"`
	} `json:"participant"`
}

type abstractMessage struct {
	MessageType   string `json:"messageType"`
	StaticContent *struct {
		Text *string `json:"text"`
	} `json:"staticContent"`
}

// Normalize turns a CONVERSATION_MESSAGE event body into a ConversationEntry.
// The entry payload arrives as a JSON-encoded string and is unwrapped once.
func Normalize(data []byte) (domain.ConversationEntry, error) {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.ConversationEntry{}, &domain.MalformedEventError{Reason: "undecodable event", Err: err}
	}
	if ev.ConversationEntry == nil {
		return domain.ConversationEntry{}, &domain.MalformedEventError{Reason: "missing conversation entry"}
	}
	entry := ev.ConversationEntry

	payloadBytes, err := unwrapPayload(entry.EntryPayload)
	if err != nil {
		return domain.ConversationEntry{}, err
	}

	var payload entryPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return domain.ConversationEntry{}, &domain.MalformedEventError{Reason: "undecodable entry payload", Err: err}
	}

	out := domain.ConversationEntry{
		ConversationID:        ev.ConversationID,
		MessageID:             entry.Identifier,
		EntryType:             payload.EntryType,
		Sender:                entry.Sender,
		ActorType:             entry.Sender.Role,
		TranscriptedTimestamp: entry.TranscriptedTimestamp,
		MessageReason:         rawString(payload.MessageReason),
	}

	hasAbstract := len(payload.AbstractMessage) > 0 && !bytes.Equal(payload.AbstractMessage, []byte("null"))
	if hasAbstract {
		var am abstractMessage
		if err := json.Unmarshal(payload.AbstractMessage, &am); err != nil {
			return domain.ConversationEntry{}, &domain.MalformedEventError{Reason: "undecodable abstract message", Err: err}
		}
		out.MessageType = am.MessageType
		out.Content = payload.AbstractMessage
		if am.StaticContent != nil && am.StaticContent.Text != nil {
			text, _ := json.Marshal(*am.StaticContent.Text)
			out.Content = text
		}
	} else {
		out.Content = json.RawMessage(payloadBytes)
	}

	var first *participantEntry
	if len(payload.Entries) > 0 {
		first = &payload.Entries[0]
	}

	if out.MessageType == "" {
		switch {
		case payload.RoutingType != "":
			out.MessageType = payload.RoutingType
		case first != nil && first.Operation != "":
			out.MessageType = first.Operation
		default:
			return domain.ConversationEntry{}, &domain.MalformedEventError{Reason: "no message type"}
		}
	}

	switch {
	case entry.SenderDisplayName != "":
		out.ActorName = entry.SenderDisplayName
	case entry.Sender.Role != "":
		out.ActorName = string(entry.Sender.Role)
	case first != nil && first.DisplayName != "":
		out.ActorName = first.DisplayName
	case first != nil:
		out.ActorName = first.Participant.Role
	}

	return out, nil
}

func unwrapPayload(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &domain.MalformedEventError{Reason: "missing entry payload"}
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &domain.MalformedEventError{Reason: "undecodable entry payload", Err: err}
	}
	return []byte(s), nil
}

// rawString renders a JSON scalar as text; strings lose their quotes.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
