package partnermsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Events
// ============================================================================

// EventKind names a channel event.
type EventKind string

const (
	EventReceiveMessage EventKind = "ReceiveMessage"
	EventMessageSent    EventKind = "MessageSent"
	EventMessageError   EventKind = "MessageError"
	EventUserTyping     EventKind = "UserTyping"
	EventMessageRead    EventKind = "MessageRead"

	// Lifecycle events are produced locally.
	EventReconnecting EventKind = "reconnecting"
	EventReconnected  EventKind = "reconnected"
	EventClosed       EventKind = "closed"
)

// Event is a tagged union: Kind selects which payload field is set.
//
//	ReceiveMessage, MessageSent  Message
//	MessageError                 Failure
//	UserTyping                   Typing
//	MessageRead                  Read
//	reconnecting, reconnected    Reconnect
//	closed                       Err (nil after Close)
type Event struct {
	Kind      EventKind
	Message   *Message
	Failure   *MessageFailure
	Typing    *TypingIndicator
	Read      *ReadReceipt
	Reconnect *ReconnectInfo
	Err       error
}

// MessageFailure reports a message the hub could not deliver.
type MessageFailure struct {
	ThreadID string `json:"threadId"`
	ClientID string `json:"clientMessageId,omitempty"`
	Reason   string `json:"error"`
}

// TypingIndicator reports that someone is typing in a thread.
type TypingIndicator struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// ReadReceipt reports that a message was read.
type ReadReceipt struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	ReadBy    string `json:"readBy"`
}

// ReconnectInfo describes a reconnection attempt.
type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}

// hubEnvelope is the wire format for hub-to-client events.
type hubEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// hubCommand is the wire format for client-to-hub invocations.
type hubCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	Identity IdentityProvider

	// MaxReconnectAttempts bounds reconnection after a drop. Negative
	// disables reconnection.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// StableAfter is how long a connection must stay up before a later drop
	// starts a fresh attempt budget. Default 60s.
	StableAfter    time.Duration
	TypingInterval time.Duration

	HTTPClient *http.Client
	Classifier *Classifier
	Logger     *zap.Logger
	Metrics    *Metrics
}

func (c *ChannelConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 2 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		stableAfter: config.StableAfter,
	}
}

// shouldReconnect reports whether another attempt is allowed. A connection
// that stayed up for stableAfter earns a fresh budget.
func (r *reconnector) shouldReconnect() bool {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	return r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay advances the attempt counter and returns
// min(base * 2^(attempt-1), max).
func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	delay := r.baseDelay
	for i := 1; i < r.attempt; i++ {
		delay *= 2
		if delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	if delay > r.maxDelay {
		return r.maxDelay
	}
	return delay
}


// ============================================================================
// Subscriptions
// ============================================================================

// Subscription is a handle returned by Subscribe and OnStateChange.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type eventDispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	events map[EventKind]map[uint64]func(Event)
	states map[uint64]func(ConnectionState)
	logger *zap.Logger
}

func newEventDispatcher(logger *zap.Logger) *eventDispatcher {
	return &eventDispatcher{
		events: make(map[EventKind]map[uint64]func(Event)),
		states: make(map[uint64]func(ConnectionState)),
		logger: logger,
	}
}

func (d *eventDispatcher) subscribe(kind EventKind, fn func(Event)) *Subscription {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.events[kind] == nil {
		d.events[kind] = make(map[uint64]func(Event))
	}
	d.events[kind][id] = fn
	d.mu.Unlock()

	return &Subscription{cancel: func() {
		d.mu.Lock()
		delete(d.events[kind], id)
		d.mu.Unlock()
	}}
}

func (d *eventDispatcher) onState(fn func(ConnectionState)) *Subscription {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.states[id] = fn
	d.mu.Unlock()

	return &Subscription{cancel: func() {
		d.mu.Lock()
		delete(d.states, id)
		d.mu.Unlock()
	}}
}

func (d *eventDispatcher) emit(ev Event) {
	d.mu.RLock()
	handlers := make([]func(Event), 0, len(d.events[ev.Kind]))
	for _, h := range d.events[ev.Kind] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.call(string(ev.Kind), func() { h(ev) })
	}
}

func (d *eventDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := make([]func(ConnectionState), 0, len(d.states))
	for _, h := range d.states {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.call("state", func() { h(s) })
	}
}

func (d *eventDispatcher) call(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", zap.String("event", kind), zap.Any("panic", r))
		}
	}()
	fn()
}

// ============================================================================
// Channel
// ============================================================================

// Channel is a WebSocket connection to the messaging hub with bounded
// automatic reconnection. Once reconnection is exhausted, or after Close,
// the channel stays disconnected for its lifetime.
type Channel struct {
	url        string
	config     ChannelConfig
	logger     *zap.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	mu       sync.Mutex
	state    ConnectionState
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	done     chan struct{}
	closed   bool
	joined   map[string]struct{}
	typing   map[string]*rate.Limiter
}

// NewChannel creates a disconnected channel for the hub at url.
func NewChannel(url string, config ChannelConfig) *Channel {
	config.defaults()
	return &Channel{
		url:        url,
		config:     config,
		logger:     config.Logger.With(zap.String("component", "channel")),
		dispatcher: newEventDispatcher(config.Logger),
		recon:      newReconnector(&config),
		state:      StateDisconnected,
		joined:     make(map[string]struct{}),
		typing:     make(map[string]*rate.Limiter),
	}
}

// Subscribe registers fn for events of the given kind. Handlers run on the
// channel's read goroutine and must not block.
func (c *Channel) Subscribe(kind EventKind, fn func(Event)) *Subscription {
	return c.dispatcher.subscribe(kind, fn)
}

// OnStateChange registers fn for connection state transitions.
func (c *Channel) OnStateChange(fn func(ConnectionState)) *Subscription {
	return c.dispatcher.onState(fn)
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notifyState(s)
	}
}

// notifyState publishes a transition already applied under mu.
func (c *Channel) notifyState(s ConnectionState) {
	c.config.Metrics.setConnected(s == StateConnected)
	c.dispatcher.emitState(s)
}

// Connect dials the hub. A failed dial leaves the channel disconnected and
// does not start reconnection.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	// Claimed under the same lock so concurrent callers cannot both dial.
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("hub dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrChannelClosed
	}
	c.conn = conn
	c.cancelFn = cancel
	c.done = done
	c.mu.Unlock()

	c.recon.markConnected()
	c.setState(StateConnected)
	c.rejoin(runCtx, conn)
	c.logger.Info("hub connected", zap.String("url", c.url))

	go c.run(runCtx, conn, done)
	return nil
}

// Close disconnects and stops reconnection permanently.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancelFn
	conn := c.conn
	done := c.done
	c.cancelFn = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if done != nil {
		<-done
	}
	c.setState(StateDisconnected)
	c.dispatcher.emit(Event{Kind: EventClosed})
	return err
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-Trace-ID", traceIDFrom(ctx))
	if c.config.Identity != nil {
		if id, err := c.config.Identity.Identity(ctx); err == nil {
			for k, v := range id.headers() {
				header.Set(k, v)
			}
		}
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// run reads until the connection drops, then reconnects with backoff.
func (c *Channel) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("hub connection lost", zap.Error(err))
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env hubEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("dropping malformed hub frame", zap.Error(err))
			continue
		}
		ev, ok := c.decode(env)
		if !ok {
			continue
		}
		c.dispatcher.emit(ev)
	}
}

func (c *Channel) decode(env hubEnvelope) (Event, bool) {
	kind := EventKind(env.Type)
	switch kind {
	case EventReceiveMessage, EventMessageSent:
		var d messageDTO
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			return Event{}, false
		}
		msg := d.toMessage(c.config.Classifier)
		return Event{Kind: kind, Message: &msg}, true
	case EventMessageError:
		var p MessageFailure
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: kind, Failure: &p}, true
	case EventUserTyping:
		var p TypingIndicator
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: kind, Typing: &p}, true
	case EventMessageRead:
		var p ReadReceipt
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: kind, Read: &p}, true
	}
	c.logger.Debug("ignoring hub event", zap.String("type", env.Type))
	return Event{}, false
}

// reconnect retries the dial with backoff. It returns nil once attempts are
// exhausted or ctx is done.
func (c *Channel) reconnect(ctx context.Context) *websocket.Conn {
	c.setState(StateReconnecting)
	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		attempt := c.recon.attempt
		c.config.Metrics.reconnectAttempt()
		c.dispatcher.emit(Event{Kind: EventReconnecting, Reconnect: &ReconnectInfo{Attempt: attempt, Delay: delay}})
		c.logger.Info("reconnecting to hub", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		if err := sleepCtx(ctx, delay); err != nil {
			return nil
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("hub reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "client closed")
			return nil
		}
		c.conn = conn
		c.mu.Unlock()

		c.recon.markConnected()
		c.setState(StateConnected)
		c.rejoin(ctx, conn)
		c.dispatcher.emit(Event{Kind: EventReconnected, Reconnect: &ReconnectInfo{Attempt: attempt}})
		return conn
	}

	c.logger.Warn("hub reconnection exhausted", zap.Int("max_attempts", c.config.MaxReconnectAttempts))
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.setState(StateDisconnected)
	c.dispatcher.emit(Event{Kind: EventClosed, Err: errReconnectExhausted})
	return nil
}

var errReconnectExhausted = errors.New("hub reconnection attempts exhausted")

func (c *Channel) rejoin(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.write(ctx, conn, "JoinThread", map[string]string{"threadId": id}); err != nil {
			c.logger.Warn("rejoin failed", zap.String("thread_id", id), zap.Error(err))
		}
	}
}

// ============================================================================
// Invocations
// ============================================================================

// JoinThread subscribes to a thread's update group. The membership is
// remembered and restored after a reconnect; ErrNotConnected means it will
// take effect on the next connection.
func (c *Channel) JoinThread(ctx context.Context, threadID string) error {
	if !IsCanonicalID(threadID) {
		return fmt.Errorf("%w: %q", ErrInvalidThreadID, threadID)
	}
	c.mu.Lock()
	c.joined[threadID] = struct{}{}
	c.mu.Unlock()
	return c.invoke(ctx, "JoinThread", map[string]string{"threadId": threadID})
}

// LeaveThread leaves a thread's update group.
func (c *Channel) LeaveThread(ctx context.Context, threadID string) error {
	if !IsCanonicalID(threadID) {
		return fmt.Errorf("%w: %q", ErrInvalidThreadID, threadID)
	}
	c.mu.Lock()
	delete(c.joined, threadID)
	delete(c.typing, threadID)
	c.mu.Unlock()
	return c.invoke(ctx, "LeaveThread", map[string]string{"threadId": threadID})
}

// SendTyping announces that the user is typing. Calls more frequent than
// TypingInterval per thread are dropped silently.
func (c *Channel) SendTyping(ctx context.Context, threadID string) error {
	if !IsCanonicalID(threadID) {
		return fmt.Errorf("%w: %q", ErrInvalidThreadID, threadID)
	}
	c.mu.Lock()
	lim, ok := c.typing[threadID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.config.TypingInterval), 1)
		c.typing[threadID] = lim
	}
	c.mu.Unlock()
	if !lim.Allow() {
		return nil
	}
	return c.invoke(ctx, "UserTyping", map[string]string{"threadId": threadID})
}

func (c *Channel) invoke(ctx context.Context, action string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	return c.write(ctx, conn, action, payload)
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, action string, payload any) error {
	data, err := json.Marshal(hubCommand{Type: action, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
