package domain

import "encoding/json"

// Sender identifies the author of a conversation entry.
type Sender struct {
	Role       SenderRole `json:"role"`
	AppType    string     `json:"appType,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	ClientType string     `json:"clientType,omitempty"`
}

// ConversationEntry is one normalized inbound message or event.
type ConversationEntry struct {
	ConversationID        string          `json:"conversationId"`
	MessageID             string          `json:"messageId"`
	Content               json.RawMessage `json:"content"`
	MessageType           string          `json:"messageType"`
	EntryType             string          `json:"entryType,omitempty"`
	Sender                Sender          `json:"sender"`
	ActorName             string          `json:"actorName,omitempty"`
	ActorType             SenderRole      `json:"actorType,omitempty"`
	TranscriptedTimestamp int64           `json:"transcriptedTimestamp,omitempty"`
	MessageReason         string          `json:"messageReason,omitempty"`
}

// Internal is an out-of-band notification for clients (conversation binding, failures).
type Internal struct {
	Type InternalType   `json:"type"`
	Data map[string]any `json:"data"`
}

// InfoConversationBound builds the notification carrying a freshly created conversation id.
func InfoConversationBound(conversationID string) Internal {
	return Internal{
		Type: InternalTypeInfo,
		Data: map[string]any{"conversationId": conversationID},
	}
}

// ErrorNotice builds a human-readable failure notification.
func ErrorNotice(content string) Internal {
	return Internal{
		Type: InternalTypeError,
		Data: map[string]any{"content": content},
	}
}

// ContentUpdate is pushed to passive viewers when a document excerpt is ready.
type ContentUpdate struct {
	FileURL     string `json:"fileUrl"`
	FileContent string `json:"fileContent,omitempty"`
	Chunk       string `json:"chunk,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
}
