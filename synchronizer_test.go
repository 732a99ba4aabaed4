package partnermsg

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is an in-memory backend for the Synchronizer and Sender.
type fakeAPI struct {
	mu       sync.Mutex
	threads  []Conversation
	messages map[string][]Message
	unread   int

	threadsErr error
	listErr    error
	listGate   chan struct{} // when set, List blocks until it is closed
	sendFn     func(OutgoingMessage) (*SendResult, error)

	sent         []OutgoingMessage
	listCalls    int
	markedRead   []string
	readReceipts []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{messages: make(map[string][]Message)}
}

func (f *fakeAPI) ListMine(_ context.Context, _ Page) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadsErr != nil {
		return nil, f.threadsErr
	}
	return append([]Conversation(nil), f.threads...), nil
}

func (f *fakeAPI) ByApplication(_ context.Context, applicationID string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.threads {
		if c.ApplicationID == applicationID {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeAPI) Archive(_ context.Context, _ string) error { return nil }

func (f *fakeAPI) MarkRead(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, threadID)
	return nil
}

// List pages through a thread newest first, like the backend does.
func (f *fakeAPI) List(_ context.Context, threadID string, page Page) ([]Message, error) {
	f.mu.Lock()
	gate := f.listGate
	f.listCalls++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	all := append([]Message(nil), f.messages[threadID]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	size := page.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	start := (page.Number - 1) * size
	if start >= len(all) {
		return []Message{}, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (f *fakeAPI) Send(_ context.Context, msg OutgoingMessage) (*SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return nil, fmt.Errorf("no send behaviour configured")
}

func (f *fakeAPI) Star(context.Context, string, bool) error      { return nil }
func (f *fakeAPI) Forward(context.Context, string, string) error { return nil }
func (f *fakeAPI) Delete(context.Context, string) error          { return nil }

func (f *fakeAPI) Count(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) addMessage(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ThreadID] = append(f.messages[m.ThreadID], m)
}

// messageAPI adapts fakeAPI to MessageSource, whose MarkRead takes a
// message id rather than a thread id.
type messageAPI struct{ *fakeAPI }

func (m messageAPI) MarkRead(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readReceipts = append(m.readReceipts, messageID)
	return nil
}

func newTestSync(api *fakeAPI, opts SyncOptions) *Synchronizer {
	if opts.Unread == nil {
		opts.Unread = api
	}
	return NewSynchronizer(api, messageAPI{api}, opts)
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func msgAt(id, thread string, minute int) Message {
	return Message{ID: id, ThreadID: thread, Content: id, Timestamp: t0.Add(time.Duration(minute) * time.Minute), Status: StatusConfirmed}
}

func assertWindowInvariant(t *testing.T, window []Message) {
	t.Helper()
	seen := map[string]bool{}
	for i, m := range window {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.False(t, m.Timestamp.Before(window[i-1].Timestamp), "window out of order at %d", i)
		}
	}
}

// ============================================================================
// Window ordering
// ============================================================================

func TestLoadMessagesOrderingAndDedup(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 30; round++ {
		api := newFakeAPI()
		n := 5 + rng.Intn(40)
		for i := 0; i < n; i++ {
			// Duplicate timestamps on purpose.
			api.addMessage(msgAt(fmt.Sprintf("m%d", i), testThreadID, rng.Intn(20)))
		}
		s := newTestSync(api, SyncOptions{PageSize: 1 + rng.Intn(7)})
		s.Select(testThreadID)

		for step := 0; step < 8; step++ {
			page := 1
			if rng.Intn(3) > 0 {
				page = 1 + rng.Intn(6)
			}
			require.NoError(t, s.LoadMessages(context.Background(), testThreadID, page))
			assertWindowInvariant(t, s.Window())
		}
	}
}

func TestLoadMessagesPaging(t *testing.T) {
	api := newFakeAPI()
	for i := 0; i < 5; i++ {
		api.addMessage(msgAt(fmt.Sprintf("m%d", i), testThreadID, i))
	}
	s := newTestSync(api, SyncOptions{PageSize: 2})
	s.Select(testThreadID)
	ctx := context.Background()

	require.NoError(t, s.LoadMessages(ctx, testThreadID, 1))
	assert.Equal(t, []string{"m3", "m4"}, ids(s.Window()))

	require.NoError(t, s.LoadMessages(ctx, testThreadID, 2))
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Window()))

	// Page 1 replaces the window again.
	require.NoError(t, s.LoadMessages(ctx, testThreadID, 1))
	assert.Equal(t, []string{"m3", "m4"}, ids(s.Window()))
}

func TestLoadMessagesDiscardsStaleResponse(t *testing.T) {
	api := newFakeAPI()
	api.addMessage(msgAt("a1", testThreadID, 1))
	gate := make(chan struct{})
	api.listGate = gate

	s := newTestSync(api, SyncOptions{})
	s.Select(testThreadID)

	done := make(chan error, 1)
	go func() { done <- s.LoadMessages(context.Background(), testThreadID, 1) }()

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.listCalls == 1
	}, time.Second, time.Millisecond)

	s.Select(testAppID)
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, testAppID, s.Selected())
	assert.Empty(t, s.Window())
}

func TestPageOneKeepsPendingLocal(t *testing.T) {
	api := newFakeAPI()
	api.addMessage(msgAt("m1", testThreadID, 1))
	s := newTestSync(api, SyncOptions{})
	s.Select(testThreadID)

	local := s.InsertLocal(Message{ThreadID: testThreadID, Content: "draft", Timestamp: t0.Add(time.Hour)})
	require.NoError(t, s.RefreshMessages(context.Background()))

	w := s.Window()
	require.Len(t, w, 2)
	assert.Equal(t, local.ID, w[1].ID)
	assert.Equal(t, StatusPending, w[1].Status)
}

// ============================================================================
// Push handling
// ============================================================================

func TestApplyPushSelectedThread(t *testing.T) {
	api := newFakeAPI()
	api.threads = []Conversation{{ID: testThreadID, ApplicationID: testAppID, UnreadCount: 3, LastMessagePreview: "old"}}
	api.addMessage(msgAt("m1", testThreadID, 1))

	s := newTestSync(api, SyncOptions{})
	ctx := context.Background()
	require.NoError(t, s.RefreshConversations(ctx))
	s.Select(testThreadID)
	require.NoError(t, s.LoadMessages(ctx, testThreadID, 1))

	pushed := msgAt("m2", testThreadID, 2)
	api.mu.Lock()
	api.threads[0].UnreadCount = 4
	api.threads[0].LastMessagePreview = "m2"
	api.mu.Unlock()
	api.addMessage(pushed)

	require.NoError(t, s.ApplyPush(ctx, pushed))
	// A duplicate push does not append again.
	require.NoError(t, s.ApplyPush(ctx, pushed))

	conv, ok := s.Conversation(testThreadID)
	require.True(t, ok)
	assert.Equal(t, 4, conv.UnreadCount)
	assert.Equal(t, "m2", conv.LastMessagePreview)

	w := s.Window()
	assert.Equal(t, []string{"m1", "m2"}, ids(w))
	assert.Equal(t, "m2", w[len(w)-1].ID)
}

func TestApplyPushOtherThread(t *testing.T) {
	api := newFakeAPI()
	api.threads = []Conversation{{ID: testThreadID, UnreadCount: 0}, {ID: testAppID, UnreadCount: 1}}
	api.addMessage(msgAt("m1", testThreadID, 1))

	s := newTestSync(api, SyncOptions{})
	s.Select(testThreadID)

	other := msgAt("x1", testAppID, 5)
	require.NoError(t, s.ApplyPush(context.Background(), other))

	assert.Equal(t, []string{"m1"}, ids(s.Window()))
	assert.Len(t, s.Conversations(), 2)
}

// ============================================================================
// Optimistic transitions and actions
// ============================================================================

func TestConfirmAndFail(t *testing.T) {
	s := newTestSync(newFakeAPI(), SyncOptions{})
	s.Select(testThreadID)

	a := s.InsertLocal(Message{ThreadID: testThreadID, Content: "a"})
	b := s.InsertLocal(Message{ThreadID: testThreadID, Content: "b"})
	assert.True(t, a.IsTemporary())
	assert.Len(t, s.Window(), 2)

	server := msgAt("srv-1", testThreadID, 0)
	s.Confirm(a.ID, &server)
	failed, ok := s.Fail(b.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "b", failed.Content)
	_, ok = s.Fail(b.ID)
	assert.False(t, ok, "already rolled back")

	w := s.Window()
	require.Len(t, w, 1)
	assert.Equal(t, "srv-1", w[0].ID)
	assert.Equal(t, a.ID, w[0].ClientID)
	assert.Equal(t, StatusConfirmed, w[0].Status)
}

func TestMarkReadIsTheOnlyDecrement(t *testing.T) {
	api := newFakeAPI()
	api.threads = []Conversation{{ID: testThreadID, UnreadCount: 3}, {ID: testAppID, UnreadCount: 2}}
	api.unread = 4 // deliberately lower than the per-thread sum
	api.addMessage(msgAt("m1", testThreadID, 1))

	s := newTestSync(api, SyncOptions{})
	ctx := context.Background()
	require.NoError(t, s.RefreshConversations(ctx))
	require.NoError(t, s.RefreshUnread(ctx))
	s.Select(testThreadID)
	require.NoError(t, s.LoadMessages(ctx, testThreadID, 1))

	// Loading and pushing never touch unread counts.
	conv, _ := s.Conversation(testThreadID)
	assert.Equal(t, 3, conv.UnreadCount)

	require.NoError(t, s.MarkRead(ctx, testThreadID))
	conv, _ = s.Conversation(testThreadID)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.Equal(t, 1, s.Unread())
	assert.True(t, s.Window()[0].Read)
	assert.Equal(t, []string{testThreadID}, api.markedRead)

	require.NoError(t, s.MarkRead(ctx, testThreadID))
	assert.Equal(t, 1, s.Unread())
}

func TestCacheFallbackOnNetworkError(t *testing.T) {
	api := newFakeAPI()
	api.threads = []Conversation{{ID: testThreadID, Subject: "cached"}}
	api.addMessage(msgAt("m1", testThreadID, 1))
	cache := NewMemoryCache()

	s := newTestSync(api, SyncOptions{Cache: cache})
	ctx := context.Background()
	s.Select(testThreadID)
	require.NoError(t, s.RefreshConversations(ctx))
	require.NoError(t, s.LoadMessages(ctx, testThreadID, 1))

	netErr := &Error{Kind: KindNetwork, Method: "GET", Path: "/", Err: fmt.Errorf("dial tcp: refused")}
	api.mu.Lock()
	api.threadsErr = netErr
	api.listErr = netErr
	api.mu.Unlock()

	fresh := newTestSync(api, SyncOptions{Cache: cache})
	fresh.Select(testThreadID)
	require.NoError(t, fresh.RefreshConversations(ctx))
	require.NoError(t, fresh.RefreshMessages(ctx))
	assert.Equal(t, "cached", fresh.Conversations()[0].Subject)
	assert.Equal(t, []string{"m1"}, ids(fresh.Window()))

	// Non-network failures are not masked.
	api.mu.Lock()
	api.threadsErr = &Error{Kind: KindAuth}
	api.mu.Unlock()
	assert.ErrorIs(t, fresh.RefreshConversations(ctx), ErrAuth)
}

func TestWarm(t *testing.T) {
	cache := NewMemoryCache()
	require.NoError(t, cache.PutConversations([]Conversation{{ID: testThreadID}}))
	require.NoError(t, cache.PutMessages(testThreadID, []Message{msgAt("m2", testThreadID, 2), msgAt("m1", testThreadID, 1)}))

	s := newTestSync(newFakeAPI(), SyncOptions{Cache: cache})
	s.Select(testThreadID)
	require.NoError(t, s.Warm())
	assert.Len(t, s.Conversations(), 1)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Window()))
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
