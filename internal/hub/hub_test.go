package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()

	h := NewHub(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func recv(t *testing.T, conn *Connection) string {
	t.Helper()
	select {
	case data := <-conn.Send:
		return string(data)
	case <-time.After(time.Second):
		t.Fatalf("no message for connection %s", conn.ID)
		return ""
	}
}

func assertEmpty(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected message %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendToSessionReachesBoundConnectionsOnly(t *testing.T) {
	h := runHub(t)

	a := h.NewConnection(nil, "salesforce")
	b := h.NewConnection(nil, "salesforce")
	other := h.NewConnection(nil, "salesforce")
	h.Register(a)
	h.Register(b)
	h.Register(other)
	h.BindSession(a, "s1")
	h.BindSession(b, "s1")
	h.BindSession(other, "s2")

	h.SendToSession("s1", []byte("one"))
	h.SendToSession("s1", []byte("two"))

	assert.Equal(t, "one", recv(t, a))
	assert.Equal(t, "two", recv(t, a))
	assert.Equal(t, "one", recv(t, b))
	assert.Equal(t, "two", recv(t, b))
	assertEmpty(t, other)
	assert.Equal(t, 2, h.GetSessionCount())
}

func TestBroadcastNamespace(t *testing.T) {
	h := runHub(t)

	viewer := h.NewConnection(nil, "pdf")
	chat := h.NewConnection(nil, "salesforce")
	h.Register(viewer)
	h.Register(chat)

	h.BroadcastNamespace("pdf", []byte("update"))

	assert.Equal(t, "update", recv(t, viewer))
	assertEmpty(t, chat)
	assert.Equal(t, 1, h.GetNamespaceCount("pdf"))
}

func TestRebindMovesConnection(t *testing.T) {
	h := runHub(t)

	conn := h.NewConnection(nil, "salesforce")
	h.Register(conn)
	h.BindSession(conn, "s1")
	h.BindSession(conn, "s2")

	assert.False(t, h.HasActiveConnections("s1"))
	assert.True(t, h.HasActiveConnections("s2"))
	assert.Equal(t, "s2", h.SessionOf(conn))
}

func TestUnregisterClosesSendAndIsIdempotent(t *testing.T) {
	h := runHub(t)

	conn := h.NewConnection(nil, "salesforce")
	h.Register(conn)
	h.BindSession(conn, "s1")
	h.Unregister(conn)
	h.Unregister(conn)

	_, ok := <-conn.Send
	assert.False(t, ok)
	assert.Equal(t, 0, h.GetConnectionCount())
	assert.False(t, h.HasActiveConnections("s1"))
	assert.ErrorIs(t, h.SendToConnection(conn, []byte("late")), ErrNotRegistered)
}

func TestBindAfterUnregisterDoesNotTrackSession(t *testing.T) {
	h := runHub(t)

	conn := h.NewConnection(nil, "salesforce")
	h.Register(conn)
	h.Unregister(conn)
	h.BindSession(conn, "s1")

	assert.False(t, h.HasActiveConnections("s1"))
}

type idleRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *idleRecorder) onIdle(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *idleRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestIdleTeardownFiresAfterLastConnectionLeaves(t *testing.T) {
	rec := &idleRecorder{}
	h := runHub(t, WithIdleTeardown(20*time.Millisecond, rec.onIdle))

	conn := h.NewConnection(nil, "salesforce")
	h.Register(conn)
	h.BindSession(conn, "s1")
	h.Unregister(conn)

	require.Eventually(t, func() bool {
		return len(rec.calls()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"s1"}, rec.calls())
}

func TestIdleTeardownCancelledByRebind(t *testing.T) {
	rec := &idleRecorder{}
	h := runHub(t, WithIdleTeardown(50*time.Millisecond, rec.onIdle))

	first := h.NewConnection(nil, "salesforce")
	h.Register(first)
	h.BindSession(first, "s1")
	h.Unregister(first)

	second := h.NewConnection(nil, "salesforce")
	h.Register(second)
	h.BindSession(second, "s1")

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, rec.calls())
}

func TestSendAfterShutdownDoesNotBlock(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	done := make(chan struct{})
	go func() {
		h.SendToSession("s1", []byte("x"))
		h.BroadcastNamespace("pdf", []byte("x"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked after shutdown")
	}
}
