package domain

import "time"

// Session is one chat-widget lifetime, keyed by a client-chosen opaque id.
type Session struct {
	SessionID      string       `json:"session_id"`
	AccessToken    string       `json:"-"`
	LastEventID    string       `json:"last_event_id,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Case           *CaseBinding `json:"case,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// HasToken reports whether the session carries a bearer token.
func (s *Session) HasToken() bool {
	return s != nil && s.AccessToken != ""
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Case != nil {
		c := *s.Case
		out.Case = &c
	}
	return &out
}

// CaseBinding ties a session to a downstream case created by an automation event.
type CaseBinding struct {
	CaseID     string `json:"caseId"`
	CaseNumber string `json:"caseNumber"`
}

// FileAttachment describes an already-uploaded file the end user wants attached.
type FileAttachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}
