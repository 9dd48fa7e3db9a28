// Package upstream provides an HTTP client for the conversational messaging API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	accessTokenPath  = "/iamessage/api/v2/authorization/unauthenticated/access-token"
	conversationPath = "/iamessage/api/v2/conversation"
	eventStreamPath  = "/eventrouter/v1/sse"
)

// Config identifies the messaging deployment.
type Config struct {
	BaseURL             string
	OrgID               string
	DeveloperName       string
	CapabilitiesVersion string
	Platform            string
	Language            string
	Timeout             time.Duration
}

// Client is an HTTP client for the upstream messaging API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; event streams are long-lived and
	// bounded by their context instead.
	streamClient *http.Client
}

// NewClient creates a new upstream client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.CapabilitiesVersion == "" {
		cfg.CapabilitiesVersion = "1"
	}
	if cfg.Platform == "" {
		cfg.Platform = "Web"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		streamClient: &http.Client{},
	}
}

// Token is the result of the anonymous token exchange.
type Token struct {
	AccessToken string `json:"accessToken"`
	LastEventID string `json:"lastEventId"`
}

// AccessTokenRequest is the body of the anonymous token exchange.
type AccessTokenRequest struct {
	OrgID               string `json:"orgId"`
	DeveloperName       string `json:"esDeveloperName"`
	CapabilitiesVersion string `json:"capabilitiesVersion"`
	Platform            string `json:"platform"`
}

// CreateConversationRequest is the body of the conversation creation call.
type CreateConversationRequest struct {
	DeveloperName  string `json:"esDeveloperName"`
	ConversationID string `json:"conversationId"`
}

// Message is one outbound text message.
type Message struct {
	ID   string
	Text string
}

// PostMessageRequest is the body of the message post call.
type PostMessageRequest struct {
	Message       MessageBody `json:"message"`
	DeveloperName string      `json:"esDeveloperName"`
	Language      string      `json:"language"`
}

// MessageBody is the message envelope inside PostMessageRequest.
type MessageBody struct {
	ID            string        `json:"id"`
	MessageType   string        `json:"messageType"`
	StaticContent StaticContent `json:"staticContent"`
}

// StaticContent carries plain text.
type StaticContent struct {
	FormatType string `json:"formatType"`
	Text       string `json:"text"`
}

// StatusError is returned when the upstream answers with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is an upstream 401 or 403.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden
}

// AccessToken exchanges the deployment identifiers for a bearer token.
func (c *Client) AccessToken(ctx context.Context) (*Token, error) {
	req := &AccessTokenRequest{
		OrgID:               c.cfg.OrgID,
		DeveloperName:       c.cfg.DeveloperName,
		CapabilitiesVersion: c.cfg.CapabilitiesVersion,
		Platform:            c.cfg.Platform,
	}

	resp, err := c.postJSON(ctx, c.baseURL+accessTokenPath, "", req)
	if err != nil {
		return nil, fmt.Errorf("failed to request access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError("access token", resp)
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode access token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("access token response carried no token")
	}
	return &token, nil
}

// CreateConversation opens a conversation under the given id. Only 201 counts as success.
func (c *Client) CreateConversation(ctx context.Context, accessToken, conversationID string) error {
	req := &CreateConversationRequest{
		DeveloperName:  c.cfg.DeveloperName,
		ConversationID: conversationID,
	}

	resp, err := c.postJSON(ctx, c.baseURL+conversationPath, accessToken, req)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return newStatusError("create conversation", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// PostMessage posts a text message into a conversation.
func (c *Client) PostMessage(ctx context.Context, accessToken, conversationID string, msg Message) error {
	req := &PostMessageRequest{
		Message: MessageBody{
			ID:          msg.ID,
			MessageType: "StaticContentMessage",
			StaticContent: StaticContent{
				FormatType: "Text",
				Text:       msg.Text,
			},
		},
		DeveloperName: c.cfg.DeveloperName,
		Language:      c.cfg.Language,
	}

	endpoint := fmt.Sprintf("%s%s/%s/message", c.baseURL, conversationPath, url.PathEscape(conversationID))
	resp, err := c.postJSON(ctx, endpoint, accessToken, req)
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError("post message", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Stream opens the event stream for the holder of accessToken. The stream
// lives until ctx is cancelled or the upstream closes it; the caller must
// Close the returned stream.
func (c *Client) Stream(ctx context.Context, accessToken, lastEventID string) (*EventStream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+eventStreamPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("X-Org-Id", c.cfg.OrgID)
	if lastEventID != "" {
		httpReq.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newStatusError("event stream", resp)
	}

	return NewEventStream(resp.Body), nil
}

func (c *Client) postJSON(ctx context.Context, endpoint, accessToken string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	}

	return c.httpClient.Do(httpReq)
}

func newStatusError(op string, resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(respBody)),
	}
}
