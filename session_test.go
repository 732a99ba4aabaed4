package partnermsg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackend serves the partner API from memory.
type testBackend struct {
	mu        sync.Mutex
	messages  []map[string]any
	listCalls atomic.Int32
}

func (b *testBackend) add(id string, minute int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, map[string]any{
		"id": id, "threadId": testThreadID, "content": id,
		"sentAt": t0.Add(time.Duration(minute) * time.Minute),
	})
}

func (b *testBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/partner/threads/my":
		writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{
			{"id": testThreadID, "applicationId": testAppID, "unreadCount": 1},
		}})
	case r.URL.Path == "/api/partner/messages/unread/count":
		writeJSON(w, http.StatusOK, map[string]int{"count": 1})
	case strings.HasSuffix(r.URL.Path, "/messages") && r.Method == http.MethodGet:
		b.listCalls.Add(1)
		b.mu.Lock()
		items := append([]map[string]any(nil), b.messages...)
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		http.NotFound(w, r)
	}
}

func newTestSession(t *testing.T, backend *testBackend, channel *Channel) *Session {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	s := NewSession(NewClient(srv.URL, WithRetry(0, 0)), channel, SessionOptions{
		PollInterval:   10 * time.Millisecond,
		UnreadInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func runSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSessionPollsWithoutChannel(t *testing.T) {
	backend := &testBackend{}
	backend.add("m1", 1)
	s := newTestSession(t, backend, nil)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.SelectThread(ctx, testThreadID))
	assert.Len(t, s.Sync.Conversations(), 1)
	assert.Equal(t, 1, s.Sync.Unread())

	runSession(t, s)
	backend.add("m2", 2)

	assert.Eventually(t, func() bool {
		return len(s.Sync.Window()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, backend.listCalls.Load(), int32(2))
}

func TestSessionStartsWithoutHub(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	s := newTestSession(t, &testBackend{}, NewChannel(url, ChannelConfig{}))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateDisconnected, s.Channel().State())
	assert.Len(t, s.Sync.Conversations(), 1)
}

func TestSessionPushSuspendsPolling(t *testing.T) {
	hub := newTestHub(t)
	backend := &testBackend{}
	backend.add("m1", 1)
	s := newTestSession(t, backend, fastChannel(hub.url(), ChannelConfig{}))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	hub.awaitConn(t)
	require.NoError(t, s.SelectThread(ctx, testThreadID))
	assert.Equal(t, "JoinThread", hub.nextCommand(t).Type)
	assert.Equal(t, int32(1), backend.listCalls.Load())

	runSession(t, s)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), backend.listCalls.Load(), "polling while connected")

	backend.add("m2", 2)
	hub.push(t, EventReceiveMessage, map[string]any{
		"id": "m2", "threadId": testThreadID, "content": "m2", "sentAt": t0.Add(2 * time.Minute),
	})
	assert.Eventually(t, func() bool {
		w := s.Sync.Window()
		return len(w) == 2 && w[1].ID == "m2"
	}, 2*time.Second, 5*time.Millisecond)
}
