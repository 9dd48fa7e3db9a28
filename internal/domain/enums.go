// Package domain defines the core domain models for the relay.
package domain

// SenderRole identifies who authored a conversation entry.
type SenderRole string

const (
	SenderRoleEndUser SenderRole = "EndUser"
	SenderRoleAgent   SenderRole = "Agent"
	SenderRoleChatbot SenderRole = "Chatbot"
	SenderRoleSystem  SenderRole = "System"
)

// StreamEventType is the SSE event name emitted by the upstream event router.
type StreamEventType string

const (
	StreamEventRoutingResult     StreamEventType = "CONVERSATION_ROUTING_RESULT"
	StreamEventMessage           StreamEventType = "CONVERSATION_MESSAGE"
	StreamEventCloseConversation StreamEventType = "CONVERSATION_CLOSE_CONVERSATION"
)

// OutboundKind is the kind of content a client asks the relay to post.
type OutboundKind string

const (
	OutboundKindText OutboundKind = "StaticContentMessage"
	OutboundKindFile OutboundKind = "StaticContentLinks"
)

// InternalType tags an internal notification pushed to clients.
type InternalType string

const (
	InternalTypeInfo  InternalType = "info"
	InternalTypeError InternalType = "error"
)
