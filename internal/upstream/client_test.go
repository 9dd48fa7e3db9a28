package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:       baseURL,
		OrgID:         "00Dorg",
		DeveloperName: "Web_Chat",
		Timeout:       time.Second,
	})
}

func TestClientAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, accessTokenPath, r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req AccessTokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "00Dorg", req.OrgID)
		assert.Equal(t, "Web_Chat", req.DeveloperName)
		assert.Equal(t, "1", req.CapabilitiesVersion)
		assert.Equal(t, "Web", req.Platform)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"accessToken":"tok-1","lastEventId":"ev-0"}`)
	}))
	defer server.Close()

	token, err := newTestClient(server.URL).AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.AccessToken)
	assert.Equal(t, "ev-0", token.LastEventID)
}

func TestClientAccessTokenError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"bad org"}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).AccessToken(context.Background())
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "bad org")
}

func TestClientCreateConversationRequires201(t *testing.T) {
	status := http.StatusCreated
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, conversationPath, r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req CreateConversationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "conv-1", req.ConversationID)
		assert.Equal(t, "Web_Chat", req.DeveloperName)

		w.WriteHeader(status)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	require.NoError(t, client.CreateConversation(context.Background(), "tok-1", "conv-1"))

	status = http.StatusOK
	err := client.CreateConversation(context.Background(), "tok-1", "conv-1")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusOK, statusErr.StatusCode)
}

func TestClientPostMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, conversationPath+"/conv-1/message", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var req PostMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "msg-1", req.Message.ID)
		assert.Equal(t, "StaticContentMessage", req.Message.MessageType)
		assert.Equal(t, "Text", req.Message.StaticContent.FormatType)
		assert.Equal(t, "hello", req.Message.StaticContent.Text)
		assert.Equal(t, "en", req.Language)

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := newTestClient(server.URL).PostMessage(context.Background(), "tok-1", "conv-1", Message{ID: "msg-1", Text: "hello"})
	require.NoError(t, err)
}

func TestIsUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	err := newTestClient(server.URL).PostMessage(context.Background(), "stale", "conv-1", Message{ID: "m", Text: "x"})
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.True(t, IsUnauthorized(fmt.Errorf("wrapped: %w", &StatusError{StatusCode: http.StatusForbidden})))
	assert.False(t, IsUnauthorized(&StatusError{StatusCode: http.StatusInternalServerError}))
	assert.False(t, IsUnauthorized(io.EOF))
}

func TestClientStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, eventStreamPath, r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "00Dorg", r.Header.Get("X-Org-Id"))
		assert.Equal(t, "ev-7", r.Header.Get("Last-Event-ID"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "id: ev-8\nevent: CONVERSATION_MESSAGE\ndata: {\"a\":1}\n\n")
	}))
	defer server.Close()

	stream, err := newTestClient(server.URL).Stream(context.Background(), "tok-1", "ev-7")
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "ev-8", ev.ID)
	assert.Equal(t, "CONVERSATION_MESSAGE", ev.Event)
	assert.Equal(t, `{"a":1}`, ev.Data)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClientStreamUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Stream(context.Background(), "stale", "")
	assert.True(t, IsUnauthorized(err))
}

func TestEventStreamParsing(t *testing.T) {
	raw := strings.Join([]string{
		"retry: 1000",
		"data: first",
		"data: second",
		"",
		"event: named",
		"data:no-space",
		"",
		"",
		"id: last",
		"event: tail",
		"data: unterminated",
	}, "\n")

	stream := NewEventStream(io.NopCloser(strings.NewReader(raw)))

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", ev.Event)
	assert.Equal(t, "first\nsecond", ev.Data)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "named", ev.Event)
	assert.Equal(t, "no-space", ev.Data)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "last", ev.ID)
	assert.Equal(t, "tail", ev.Event)
	assert.Equal(t, "unterminated", ev.Data)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(-time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	got, ok := TokenExpiry(signed)
	require.True(t, ok)
	assert.True(t, got.Equal(exp))
	assert.True(t, TokenExpired(signed, time.Now()))

	fresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	assert.False(t, TokenExpired(fresh, time.Now()))

	_, ok = TokenExpiry("opaque-token")
	assert.False(t, ok)
	assert.False(t, TokenExpired("opaque-token", time.Now()))
}

func TestEventStreamSkipsOversizedEvent(t *testing.T) {
	raw := "id: big\nevent: CONVERSATION_MESSAGE\ndata: " + strings.Repeat("x", MaxLineSize+10) + "\n\n" +
		"id: small\r\ndata: ok\r\n\r\n"

	stream := NewEventStream(io.NopCloser(strings.NewReader(raw)))

	_, err := stream.Next()
	var oversized *OversizedEventError
	require.ErrorAs(t, err, &oversized)
	assert.Equal(t, "big", oversized.ID)

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "small", ev.ID)
	assert.Equal(t, "ok", ev.Data)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}
