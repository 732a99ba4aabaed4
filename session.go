package partnermsg

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// PollInterval is the window refresh period while the channel is not
	// connected. Default 5s.
	PollInterval time.Duration
	// UnreadInterval is the unread aggregate refresh period. Default 30s.
	UnreadInterval time.Duration

	PageSize int
	Cache    Cache
	Logger   *zap.Logger
	Metrics  *Metrics
}

func (o *SessionOptions) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.UnreadInterval <= 0 {
		o.UnreadInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Session wires a Client, an optional Channel, a Synchronizer and a Sender
// together and owns their lifecycle. A nil channel means polling only.
type Session struct {
	Sync   *Synchronizer
	Sender *Sender

	client  *Client
	channel *Channel
	opts    SessionOptions
	logger  *zap.Logger

	mu     sync.Mutex
	subs   []*Subscription
	bgCtx  context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewSession builds the synchronizer and sender for client.
func NewSession(client *Client, channel *Channel, opts SessionOptions) *Session {
	opts.defaults()
	s := &Session{
		client:  client,
		channel: channel,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("component", "session")),
	}
	s.bgCtx, s.cancel = context.WithCancel(context.Background())
	s.Sync = NewSynchronizer(client.Threads, client.Messages, SyncOptions{
		PageSize: opts.PageSize,
		Unread:   client.Unread,
		Cache:    opts.Cache,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	s.Sender = NewSender(s.Sync, SenderOptions{
		Uploader: client.Documents,
		Resolver: client.Cases,
		Identity: client.identity,
		Logger:   opts.Logger,
		OnThreadAdopted: func(threadID string) {
			s.background(func(ctx context.Context) { s.join(ctx, threadID) })
		},
	})
	return s
}

// Channel returns the session's channel, or nil.
func (s *Session) Channel() *Channel { return s.channel }

// Start warms the cache, subscribes to channel events, connects the channel
// on a best-effort basis and loads the conversation list and unread count.
// A channel that cannot connect is logged and left to the polling fallback.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Sync.Warm(); err != nil {
		s.logger.Warn("cache warm failed", zap.Error(err))
	}

	if s.channel != nil {
		s.subscribe()
		if err := s.channel.Connect(ctx); err != nil {
			s.logger.Warn("real-time channel unavailable, polling instead", zap.Error(err))
		}
	}

	if err := s.Sync.RefreshUnread(ctx); err != nil {
		s.logger.Warn("unread refresh failed", zap.Error(err))
	}
	return s.Sync.RefreshConversations(ctx)
}

func (s *Session) subscribe() {
	onMessage := func(ev Event) {
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		s.background(func(ctx context.Context) {
			if err := s.Sync.ApplyPush(ctx, msg); err != nil {
				s.logger.Warn("push refresh failed", zap.String("thread_id", msg.ThreadID), zap.Error(err))
			}
		})
	}
	subs := []*Subscription{
		s.channel.Subscribe(EventReceiveMessage, onMessage),
		s.channel.Subscribe(EventMessageSent, onMessage),
		s.channel.Subscribe(EventMessageRead, func(ev Event) {
			if ev.Read != nil {
				s.Sync.ApplyReadReceipt(*ev.Read)
			}
		}),
		s.channel.Subscribe(EventMessageError, func(ev Event) {
			if ev.Failure != nil {
				s.logger.Warn("hub reported message error",
					zap.String("thread_id", ev.Failure.ThreadID), zap.String("reason", ev.Failure.Reason))
			}
			s.background(func(ctx context.Context) { _ = s.Sync.RefreshMessages(ctx) })
		}),
		s.channel.Subscribe(EventReconnected, func(Event) {
			s.background(func(ctx context.Context) {
				if err := errors.Join(s.Sync.RefreshConversations(ctx), s.Sync.RefreshMessages(ctx)); err != nil {
					s.logger.Warn("refresh after reconnect failed", zap.Error(err))
				}
			})
		}),
	}
	s.mu.Lock()
	s.subs = append(s.subs, subs...)
	s.mu.Unlock()
}

// Run drives the polling fallback and the unread refresh until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()
	unread := time.NewTicker(s.opts.UnreadInterval)
	defer unread.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if s.channel != nil && s.channel.State() == StateConnected {
				continue
			}
			s.opts.Metrics.pollRefresh()
			if err := s.Sync.RefreshMessages(ctx); err != nil {
				s.logger.Debug("poll refresh failed", zap.Error(err))
			}
		case <-unread.C:
			if err := s.Sync.RefreshUnread(ctx); err != nil {
				s.logger.Debug("unread refresh failed", zap.Error(err))
			}
		}
	}
}

// SelectThread switches the selected thread: it leaves the old hub group,
// joins the new one and loads page 1.
func (s *Session) SelectThread(ctx context.Context, threadID string) error {
	prev := s.Sync.Select(threadID)
	if s.channel != nil && prev != threadID {
		if prev != "" {
			if err := s.channel.LeaveThread(ctx, prev); err != nil {
				s.logger.Debug("leave thread", zap.String("thread_id", prev), zap.Error(err))
			}
		}
		s.join(ctx, threadID)
	}
	if threadID == "" {
		return nil
	}
	return s.Sync.LoadMessages(ctx, threadID, 1)
}

// Send runs the optimistic send pipeline.
func (s *Session) Send(ctx context.Context, req SendRequest) (*Message, error) {
	return s.Sender.Send(ctx, req)
}

// Typing announces typing in the selected thread. It is a no-op without a
// connected channel.
func (s *Session) Typing(ctx context.Context) error {
	sel := s.Sync.Selected()
	if s.channel == nil || sel == "" {
		return nil
	}
	if err := s.channel.SendTyping(ctx, sel); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Close unsubscribes, closes the channel and waits for background work.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	var err error
	if s.channel != nil {
		err = s.channel.Close()
	}
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Session) join(ctx context.Context, threadID string) {
	if s.channel == nil || threadID == "" {
		return
	}
	if err := s.channel.JoinThread(ctx, threadID); err != nil && !errors.Is(err, ErrNotConnected) {
		s.logger.Debug("join thread", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// background runs fn off the channel's read goroutine.
func (s *Session) background(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.bgCtx)
	}()
}
