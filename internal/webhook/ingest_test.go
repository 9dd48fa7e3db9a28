package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/metrics"
	"github.com/xiaot623/gogo/relay/internal/policy"
	"github.com/xiaot623/gogo/relay/internal/store"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []domain.ContentUpdate
}

func (p *recordingPublisher) PublishContent(_ context.Context, update domain.ContentUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func newIngestor(t *testing.T) (*Ingestor, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	engine, err := policy.Load(context.Background(), "")
	require.NoError(t, err)

	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	return NewIngestor(engine, st, pub, metrics.New()), st, pub
}

func event(t *testing.T, body string) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(body), &ev))
	return ev
}

func TestFieldAcceptsWrappedAndPlainStrings(t *testing.T) {
	var data ContentReady
	err := json.Unmarshal([]byte(`{"File_URL__c":{"string":"https://x/a.pdf"},"Chunk__c":"plain","Session_ID__c":null}`), &data)
	require.NoError(t, err)
	assert.Equal(t, Field("https://x/a.pdf"), data.FileURL)
	assert.Equal(t, Field("plain"), data.Chunk)
	assert.Equal(t, Field(""), data.SessionID)

	var f Field
	assert.Error(t, json.Unmarshal([]byte(`42`), &f))
}

func TestBindCaseTargetsMostRecentSession(t *testing.T) {
	ing, st, _ := newIngestor(t)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, &domain.Session{SessionID: "older", CreatedAt: time.Now()}))
	require.NoError(t, st.Set(ctx, &domain.Session{SessionID: "newer", CreatedAt: time.Now()}))

	action, err := ing.Ingest(ctx, event(t, `{
		"subject": "/event/Agentforce_Case_Creation_Event__e",
		"data": {"Case_ID__c": {"string": "500xx"}, "Case_Number__c": {"string": "00001042"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionBindCase, action)

	newer, err := st.Get(ctx, "newer")
	require.NoError(t, err)
	require.NotNil(t, newer.Case)
	assert.Equal(t, "500xx", newer.Case.CaseID)
	assert.Equal(t, "00001042", newer.Case.CaseNumber)

	older, err := st.Get(ctx, "older")
	require.NoError(t, err)
	assert.Nil(t, older.Case)
}

func TestBindCaseWithoutSessions(t *testing.T) {
	ing, _, _ := newIngestor(t)

	action, err := ing.Ingest(context.Background(), event(t, `{
		"subject": "/event/Agentforce_Case_Creation_Event__e",
		"data": {"Case_ID__c": {"string": "500xx"}}
	}`))
	assert.Equal(t, policy.ActionBindCase, action)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestContentReadyPublishesUpdate(t *testing.T) {
	ing, _, pub := newIngestor(t)

	action, err := ing.Ingest(context.Background(), event(t, `{
		"subject": "/event/Agentforce_RAG_Response_Event__e",
		"data": {
			"File_URL__c": {"string": "https://x/doc.pdf"},
			"File_Content__c": {"string": "full text"},
			"Chunk__c": {"string": "excerpt"},
			"Session_ID__c": {"string": "s1"}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionContentReady, action)

	require.Len(t, pub.updates, 1)
	assert.Equal(t, domain.ContentUpdate{
		FileURL:     "https://x/doc.pdf",
		FileContent: "full text",
		Chunk:       "excerpt",
		SessionID:   "s1",
	}, pub.updates[0])
}

func TestUnknownSubjectIgnored(t *testing.T) {
	ing, st, pub := newIngestor(t)
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, &domain.Session{SessionID: "s1"}))

	action, err := ing.Ingest(ctx, event(t, `{"subject": "/event/Other__e", "data": {"x": 1}}`))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionIgnore, action)
	assert.Empty(t, pub.updates)

	s, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, s.Case)
}

func TestMissingDataIsAnError(t *testing.T) {
	ing, _, _ := newIngestor(t)

	_, err := ing.Ingest(context.Background(), Event{Subject: "/event/Agentforce_RAG_Response_Event__e"})
	assert.Error(t, err)
}

func TestNonObjectDataIsLogged(t *testing.T) {
	ing, _, _ := newIngestor(t)
	var buf bytes.Buffer
	ing.logger = zerolog.New(&buf).Level(zerolog.DebugLevel)

	action, err := ing.Ingest(context.Background(), event(t, `{"subject": "/event/Other__e", "data": [1, 2]}`))
	require.NoError(t, err)
	assert.Equal(t, policy.ActionIgnore, action)
	assert.Contains(t, buf.String(), "webhook data is not an object")
	assert.Contains(t, buf.String(), `"data":[1, 2]`)
}
