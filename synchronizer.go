package partnermsg

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ThreadSource is the thread half of the backend API. *ThreadsClient
// implements it.
type ThreadSource interface {
	ListMine(ctx context.Context, page Page) ([]Conversation, error)
	ByApplication(ctx context.Context, applicationID string) (*Conversation, error)
	Archive(ctx context.Context, threadID string) error
	MarkRead(ctx context.Context, threadID string) error
}

// MessageSource is the message half of the backend API. *MessagesClient
// implements it.
type MessageSource interface {
	List(ctx context.Context, threadID string, page Page) ([]Message, error)
	Send(ctx context.Context, msg OutgoingMessage) (*SendResult, error)
	Star(ctx context.Context, messageID string, starred bool) error
	Forward(ctx context.Context, messageID, applicationID string) error
	Delete(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, messageID string) error
}

// UnreadSource reports the unread aggregate. *UnreadClient implements it.
type UnreadSource interface {
	Count(ctx context.Context) (int, error)
}

var (
	_ ThreadSource  = (*ThreadsClient)(nil)
	_ MessageSource = (*MessagesClient)(nil)
	_ UnreadSource  = (*UnreadClient)(nil)
)

// SyncOptions configures a Synchronizer.
type SyncOptions struct {
	PageSize int
	Unread   UnreadSource
	Cache    Cache
	Logger   *zap.Logger
	Metrics  *Metrics
}

func (o *SyncOptions) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Synchronizer holds the known conversation list and the message window of
// the selected thread, and reconciles both against the backend and pushed
// events. The window is always sorted by timestamp with unique ids.
type Synchronizer struct {
	threads  ThreadSource
	messages MessageSource
	opts     SyncOptions
	logger   *zap.Logger

	mu            sync.RWMutex
	conversations []Conversation
	selected      string
	window        []Message
	unread        int
}

// NewSynchronizer creates a Synchronizer with no thread selected.
func NewSynchronizer(threads ThreadSource, messages MessageSource, opts SyncOptions) *Synchronizer {
	opts.defaults()
	return &Synchronizer{
		threads:  threads,
		messages: messages,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("component", "sync")),
	}
}

// ── State access ─────────────────────────────────────────

func (s *Synchronizer) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation(nil), s.conversations...)
}

// Conversation returns the held conversation with the given id.
func (s *Synchronizer) Conversation(threadID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.ID == threadID {
			return c, true
		}
	}
	return Conversation{}, false
}

// Window returns a copy of the selected thread's messages, oldest first.
func (s *Synchronizer) Window() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.window...)
}

func (s *Synchronizer) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

func (s *Synchronizer) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Select makes threadID the current thread and returns the previous one.
// Switching threads clears the window.
func (s *Synchronizer) Select(threadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.selected
	if prev != threadID {
		s.selected = threadID
		s.window = nil
	}
	return prev
}

// adoptThread selects threadID and moves unassigned local messages into it.
func (s *Synchronizer) adoptThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != "" && s.selected != threadID {
		return
	}
	s.selected = threadID
	for i := range s.window {
		if s.window[i].ThreadID == "" {
			s.window[i].ThreadID = threadID
		}
	}
}

// ── Refresh ──────────────────────────────────────────────

// Warm loads the cached conversation list and, if a thread is selected, its
// cached window. It is a no-op without a cache.
func (s *Synchronizer) Warm() error {
	cache := s.opts.Cache
	if cache == nil {
		return nil
	}
	convs, err := cache.Conversations()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if len(s.conversations) == 0 {
		s.conversations = convs
	}
	sel := s.selected
	s.mu.Unlock()

	if sel == "" {
		return nil
	}
	msgs, err := cache.Messages(sel)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.selected == sel && len(s.window) == 0 {
		s.window = mergeMessages(nil, msgs)
	}
	s.mu.Unlock()
	return nil
}

// RefreshConversations replaces the held list with page 1 of my threads.
// On a network failure the cached list is served when one exists.
func (s *Synchronizer) RefreshConversations(ctx context.Context) error {
	convs, err := s.threads.ListMine(ctx, Page{Number: 1, Size: s.opts.PageSize})
	if err != nil {
		if KindOf(err) == KindNetwork && s.opts.Cache != nil {
			if cached, cerr := s.opts.Cache.Conversations(); cerr == nil && len(cached) > 0 {
				s.logger.Warn("serving cached conversations", zap.Error(err))
				s.mu.Lock()
				s.conversations = cached
				s.mu.Unlock()
				return nil
			}
		}
		return err
	}

	s.mu.Lock()
	s.conversations = convs
	s.mu.Unlock()

	if s.opts.Cache != nil {
		if err := s.opts.Cache.PutConversations(convs); err != nil {
			s.logger.Warn("cache conversations", zap.Error(err))
		}
	}
	return nil
}

// LoadMessages fetches one page of a thread. Page 1 replaces the window,
// keeping pending local messages; later pages merge older messages in.
// A response for a thread that is no longer selected is discarded.
func (s *Synchronizer) LoadMessages(ctx context.Context, threadID string, page int) error {
	if page < 1 {
		page = 1
	}
	msgs, err := s.messages.List(ctx, threadID, Page{Number: page, Size: s.opts.PageSize})
	if err != nil {
		if page == 1 && KindOf(err) == KindNetwork && s.opts.Cache != nil {
			if cached, cerr := s.opts.Cache.Messages(threadID); cerr == nil && len(cached) > 0 {
				s.logger.Warn("serving cached messages", zap.String("thread_id", threadID), zap.Error(err))
				msgs, err = cached, nil
			}
		}
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.selected != threadID {
		s.mu.Unlock()
		s.logger.Debug("discarding stale message page",
			zap.String("thread_id", threadID), zap.Int("page", page))
		return nil
	}
	if page == 1 {
		s.window = mergeMessages(msgs, pendingFor(s.window, threadID))
	} else {
		s.window = mergeMessages(s.window, msgs)
	}
	snapshot := append([]Message(nil), s.window...)
	s.mu.Unlock()

	if s.opts.Cache != nil {
		if err := s.opts.Cache.PutMessages(threadID, snapshot); err != nil {
			s.logger.Warn("cache messages", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return nil
}

// RefreshMessages reloads page 1 of the currently selected thread.
func (s *Synchronizer) RefreshMessages(ctx context.Context) error {
	sel := s.Selected()
	if sel == "" {
		return nil
	}
	return s.LoadMessages(ctx, sel, 1)
}

// RefreshUnread reloads the unread aggregate.
func (s *Synchronizer) RefreshUnread(ctx context.Context) error {
	if s.opts.Unread == nil {
		return nil
	}
	n, err := s.opts.Unread.Count(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unread = n
	s.mu.Unlock()
	return nil
}

// ApplyPush handles a pushed message. It is inserted once into the window
// when it belongs to the selected thread; the conversation list and the
// current window are then refreshed whatever thread it targets.
func (s *Synchronizer) ApplyPush(ctx context.Context, msg Message) error {
	s.mu.Lock()
	if msg.ThreadID != "" && msg.ThreadID == s.selected && indexOf(s.window, msg.ID) < 0 {
		s.window = mergeMessages(s.window, []Message{msg})
	}
	s.mu.Unlock()

	return errors.Join(s.RefreshConversations(ctx), s.RefreshMessages(ctx))
}

// ApplyReadReceipt marks a message in the window as read.
func (s *Synchronizer) ApplyReadReceipt(r ReadReceipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.window, r.MessageID); i >= 0 {
		s.window[i].Read = true
	}
}

// ── Optimistic transitions ───────────────────────────────

// InsertLocal adds a pending message with a temporary id and returns it.
func (s *Synchronizer) InsertLocal(msg Message) Message {
	if msg.ID == "" {
		msg.ID = newTempID()
	}
	if msg.ClientID == "" {
		msg.ClientID = msg.ID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Status = StatusPending

	s.mu.Lock()
	if msg.ThreadID == s.selected {
		s.window = mergeMessages(s.window, []Message{msg})
	}
	s.mu.Unlock()
	return msg
}

// Confirm replaces the pending message tempID with the server's copy.
func (s *Synchronizer) Confirm(tempID string, confirmed *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = removeID(s.window, tempID)
	if confirmed == nil || confirmed.ID == "" {
		return
	}
	m := *confirmed
	m.ClientID = tempID
	m.Status = StatusConfirmed
	if m.ThreadID == s.selected && indexOf(s.window, m.ID) < 0 {
		s.window = mergeMessages(s.window, []Message{m})
	}
}

// Fail rolls back the pending message tempID. The window never holds a
// failed entry; the removed message is returned with StatusFailed so the
// caller can report it.
func (s *Synchronizer) Fail(tempID string) (Message, bool) {
	s.mu.Lock()
	i := indexOf(s.window, tempID)
	if i < 0 {
		s.mu.Unlock()
		return Message{}, false
	}
	failed := s.window[i]
	s.window = removeID(s.window, tempID)
	s.mu.Unlock()

	failed.Status = StatusFailed
	s.opts.Metrics.rollback()
	return failed, true
}

// ── Actions ──────────────────────────────────────────────

// MarkRead acknowledges a thread as read. It is the only path that lowers
// a thread's unread count locally.
func (s *Synchronizer) MarkRead(ctx context.Context, threadID string) error {
	if err := s.threads.MarkRead(ctx, threadID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID != threadID {
			continue
		}
		s.unread -= s.conversations[i].UnreadCount
		if s.unread < 0 {
			s.unread = 0
		}
		s.conversations[i].UnreadCount = 0
	}
	if threadID == s.selected {
		for i := range s.window {
			s.window[i].Read = true
		}
	}
	return nil
}

// MarkMessageRead sends a read receipt for one message.
func (s *Synchronizer) MarkMessageRead(ctx context.Context, messageID string) error {
	if err := s.messages.MarkRead(ctx, messageID); err != nil {
		return err
	}
	s.ApplyReadReceipt(ReadReceipt{MessageID: messageID})
	return nil
}

func (s *Synchronizer) Archive(ctx context.Context, threadID string) error {
	if err := s.threads.Archive(ctx, threadID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == threadID {
			s.conversations[i].Status = ConversationArchived
		}
	}
	return nil
}

func (s *Synchronizer) Star(ctx context.Context, messageID string, starred bool) error {
	if err := s.messages.Star(ctx, messageID, starred); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.window, messageID); i >= 0 {
		s.window[i].Starred = starred
	}
	return nil
}

func (s *Synchronizer) Delete(ctx context.Context, messageID string) error {
	if err := s.messages.Delete(ctx, messageID); err != nil {
		return err
	}
	s.mu.Lock()
	s.window = removeID(s.window, messageID)
	s.mu.Unlock()
	return nil
}

func (s *Synchronizer) Forward(ctx context.Context, messageID, applicationID string) error {
	return s.messages.Forward(ctx, messageID, applicationID)
}

// ── Window helpers ───────────────────────────────────────

// mergeMessages appends incoming to existing, skipping ids already present,
// and stable-sorts the result by timestamp.
func mergeMessages(existing, incoming []Message) []Message {
	out := make([]Message, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, list := range [][]Message{existing, incoming} {
		for _, m := range list {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func pendingFor(window []Message, threadID string) []Message {
	var out []Message
	for _, m := range window {
		if m.Status == StatusPending && (m.ThreadID == threadID || m.ThreadID == "") {
			out = append(out, m)
		}
	}
	return out
}

func indexOf(window []Message, id string) int {
	for i := range window {
		if window[i].ID == id {
			return i
		}
	}
	return -1
}

func removeID(window []Message, id string) []Message {
	out := window[:0]
	for _, m := range window {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}
