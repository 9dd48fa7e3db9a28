package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/metrics"
	"github.com/xiaot623/gogo/relay/internal/store"
	"github.com/xiaot623/gogo/relay/internal/upstream"
)

type postedMessage struct {
	Token          string
	ConversationID string
	ID             string
	Text           string
}

// fakeUpstream serves the messaging API endpoints the relay calls.
type fakeUpstream struct {
	server *httptest.Server

	mu                 sync.Mutex
	tokenStatus        int
	tokenFn            func(n int) string
	tokenCalls         int
	tokenDelay         time.Duration
	conversationStatus int
	conversations      []string
	messageStatuses    []int
	messages           []postedMessage
	streamStatuses     []int
	streamHeaders      []http.Header

	events chan string
	drop   chan struct{}
	quit   chan struct{}
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	f := &fakeUpstream{
		tokenStatus:        http.StatusOK,
		conversationStatus: http.StatusCreated,
		events:             make(chan string, 256),
		drop:               make(chan struct{}),
		quit:               make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/iamessage/api/v2/authorization/unauthenticated/access-token", f.handleToken)
	mux.HandleFunc("/iamessage/api/v2/conversation", f.handleConversation)
	mux.HandleFunc("/iamessage/api/v2/conversation/", f.handleMessage)
	mux.HandleFunc("/eventrouter/v1/sse", f.handleStream)
	f.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		close(f.quit)
		f.server.Close()
	})
	return f
}

func (f *fakeUpstream) client() *upstream.Client {
	return upstream.NewClient(upstream.Config{
		BaseURL:       f.server.URL,
		OrgID:         "00Dorg",
		DeveloperName: "Web_Chat",
		Timeout:       2 * time.Second,
	})
}

func (f *fakeUpstream) handleToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.tokenCalls++
	n := f.tokenCalls
	status := f.tokenStatus
	tokenFn := f.tokenFn
	delay := f.tokenDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	token := fmt.Sprintf("tok-%d", n)
	if tokenFn != nil {
		token = tokenFn(n)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"accessToken": token, "lastEventId": "ev-0"})
}

func (f *fakeUpstream) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req upstream.CreateConversationRequest
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	status := f.conversationStatus
	if status == http.StatusCreated {
		f.conversations = append(f.conversations, req.ConversationID)
	}
	f.mu.Unlock()

	w.WriteHeader(status)
}

func (f *fakeUpstream) handleMessage(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/iamessage/api/v2/conversation/"), "/")
	var req upstream.PostMessageRequest
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	status := http.StatusAccepted
	if len(f.messageStatuses) > 0 {
		status = f.messageStatuses[0]
		f.messageStatuses = f.messageStatuses[1:]
	}
	f.messages = append(f.messages, postedMessage{
		Token:          strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		ConversationID: parts[0],
		ID:             req.Message.ID,
		Text:           req.Message.StaticContent.Text,
	})
	f.mu.Unlock()

	w.WriteHeader(status)
}

func (f *fakeUpstream) handleStream(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status := http.StatusOK
	if len(f.streamStatuses) > 0 {
		status = f.streamStatuses[0]
		f.streamStatuses = f.streamStatuses[1:]
	}
	f.streamHeaders = append(f.streamHeaders, r.Header.Clone())
	f.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-f.quit:
			return
		case <-f.drop:
			return
		case frame := <-f.events:
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}

func (f *fakeUpstream) configure(fn func(f *fakeUpstream)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeUpstream) push(frame string) {
	f.events <- frame
}

func (f *fakeUpstream) counts() (tokens, messages, streams int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, len(f.messages), len(f.streamHeaders)
}

func (f *fakeUpstream) postedMessages() []postedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedMessage(nil), f.messages...)
}

func (f *fakeUpstream) streamHeader(i int) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamHeaders[i]
}

func messagePayload(id, text string) string {
	payload, _ := json.Marshal(map[string]any{
		"entryType": "Message",
		"abstractMessage": map[string]any{
			"id":          id,
			"messageType": "StaticContentMessage",
			"staticContent": map[string]any{
				"formatType": "Text",
				"text":       text,
			},
		},
	})
	data, _ := json.Marshal(map[string]any{
		"conversationId": "conv-1",
		"conversationEntry": map[string]any{
			"identifier":            id,
			"entryPayload":          string(payload),
			"sender":                map[string]any{"role": "Chatbot"},
			"senderDisplayName":     "Agentforce",
			"transcriptedTimestamp": 1700000000000,
		},
	})
	return string(data)
}

func messageFrame(id, text string) string {
	return fmt.Sprintf("id: %s\nevent: CONVERSATION_MESSAGE\ndata: %s\n\n", id, messagePayload(id, text))
}

func eventFrame(id, event, data string) string {
	return fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", id, event, data)
}

type sinkEntry struct {
	SessionID string
	Entry     domain.ConversationEntry
}

type sinkInternal struct {
	SessionID string
	Internal  domain.Internal
}

// recordingSink captures everything the relay publishes.
type recordingSink struct {
	mu        sync.Mutex
	entries   []sinkEntry
	internals []sinkInternal
}

func (s *recordingSink) PublishEntry(_ context.Context, sessionID string, entry domain.ConversationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{SessionID: sessionID, Entry: entry})
	return nil
}

func (s *recordingSink) PublishInternal(_ context.Context, sessionID string, internal domain.Internal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.internals = append(s.internals, sinkInternal{SessionID: sessionID, Internal: internal})
	return nil
}

func (s *recordingSink) Entries() []sinkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEntry(nil), s.entries...)
}

func (s *recordingSink) Internals() []sinkInternal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkInternal(nil), s.internals...)
}

func (s *recordingSink) Errors() []sinkInternal {
	var out []sinkInternal
	for _, in := range s.Internals() {
		if in.Internal.Type == domain.InternalTypeError {
			out = append(out, in)
		}
	}
	return out
}

type testRelay struct {
	*Relay
	up    *fakeUpstream
	store *store.MemoryStore
	sink  *recordingSink
}

func newTestRelay(t *testing.T, opts Options) *testRelay {
	t.Helper()

	up := newFakeUpstream(t)
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	r := New(up.client(), st, sink, metrics.New(), opts)
	t.Cleanup(func() {
		r.Close()
	})
	return &testRelay{Relay: r, up: up, store: st, sink: sink}
}

func reconnectOptions() Options {
	return Options{
		Reconnect:      true,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}
}
