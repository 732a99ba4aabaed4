// Package partnermsg is a client SDK for the partner messaging backend.
//
// It covers the REST API (threads, messages, cases, unread counts, document
// uploads), a real-time channel with reconnection backoff, a synchronizer
// that reconciles local thread/message state, and an optimistic send
// pipeline.
//
// Example:
//
//	client := partnermsg.NewClient("https://partners.example.com",
//		partnermsg.WithIdentity(partnermsg.StaticIdentity{Email: "ops@acme.test"}))
//
//	threads, _ := client.Threads.ListMine(ctx, partnermsg.Page{Number: 1})
//	msgs, _ := client.Messages.List(ctx, threads[0].ID, partnermsg.Page{Number: 1})
//
//	channel := partnermsg.NewChannel("wss://partners.example.com/hubs/messages", partnermsg.ChannelConfig{})
//	session := partnermsg.NewSession(client, channel, partnermsg.SessionOptions{})
//	session.Start(ctx)
//	defer session.Close()
package partnermsg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
	DefaultPageSize   = 50

	apiPrefix = "/api/partner"
)

// ============================================================================
// Client
// ============================================================================

// Client issues requests against the partner messaging backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   IdentityProvider
	classifier *Classifier
	logger     *zap.Logger
	metrics    *Metrics
	maxRetries int
	retryDelay time.Duration

	Threads   *ThreadsClient
	Messages  *MessagesClient
	Cases     *CasesClient
	Unread    *UnreadClient
	Documents *DocumentsClient
}

type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client. Session cookies ride on its jar.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithIdentity(p IdentityProvider) ClientOption {
	return func(c *Client) { c.identity = p }
}

func WithClassifier(cl *Classifier) ClientOption {
	return func(c *Client) { c.classifier = cl }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithRetry configures retries for 5xx responses other than 503. The n-th
// retry waits n*delay.
func WithRetry(max int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryDelay = delay
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		classifier: DefaultClassifier(),
		logger:     zap.NewNop(),
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}

	c.Threads = &ThreadsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Cases = &CasesClient{c: c}
	c.Unread = &UnreadClient{c: c}
	c.Documents = &DocumentsClient{c: c}
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Identity returns the current identity, or a zero Identity when no
// provider is configured or the lookup fails.
func (c *Client) Identity(ctx context.Context) Identity {
	if c.identity == nil {
		return Identity{}
	}
	id, err := c.identity.Identity(ctx)
	if err != nil {
		c.logger.Debug("identity lookup failed", zap.Error(err))
		return Identity{}
	}
	return id
}

// ============================================================================
// Request core
// ============================================================================

// Do sends a JSON request and decodes a JSON response into out (which may be
// nil). Failures are returned as *Error.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = b
		contentType = "application/json"
	}
	return c.roundTrip(ctx, method, path, contentType, payload, out)
}

func (c *Client) roundTrip(ctx context.Context, method, path, contentType string, payload []byte, out any) error {
	start := time.Now()
	traceID := traceIDFrom(ctx)
	identity := c.Identity(ctx)

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		requestID := uuid.NewString()
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		req.Header.Set("X-Trace-ID", traceID)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range identity.headers() {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.metrics.observeRequest(method, 0, time.Since(start))
			return &Error{Kind: KindNetwork, Method: method, Path: path, Err: err}
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			c.metrics.observeRequest(method, resp.StatusCode, time.Since(start))
			return &Error{Kind: KindNetwork, Method: method, Path: path, Status: resp.StatusCode, Err: readErr}
		}

		c.logger.Debug("backend request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt),
			zap.String("request_id", requestID),
		)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.metrics.observeRequest(method, resp.StatusCode, time.Since(start))
			return decodeBody(resp.Header.Get("Content-Type"), data, out)
		}

		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			wait := time.Duration(attempt+1) * c.retryDelay
			c.logger.Warn("retrying backend request",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
			)
			c.metrics.retry()
			if err := sleepCtx(ctx, wait); err != nil {
				return &Error{Kind: KindNetwork, Method: method, Path: path, Status: resp.StatusCode, Err: err}
			}
			continue
		}

		c.metrics.observeRequest(method, resp.StatusCode, time.Since(start))
		return &Error{
			Kind:   classifyStatus(resp.StatusCode),
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}
}

// retryable reports whether a status is retried: 5xx except 503.
func retryable(status int) bool {
	return status >= 500 && status != http.StatusServiceUnavailable
}

// decodeBody decodes data into out only for JSON content types.
func decodeBody(contentType string, data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 || !isJSON(contentType) {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func pageQuery(p Page) string {
	n := p.Number
	if n < 1 {
		n = 1
	}
	size := p.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(n))
	q.Set("pageSize", strconv.Itoa(size))
	return "?" + q.Encode()
}

// ============================================================================
// Threads
// ============================================================================

// ThreadsClient handles thread listing and thread-level actions.
type ThreadsClient struct{ c *Client }

// ListMine returns one page of the caller's threads. An offline service or
// missing resource yields an empty list.
func (t *ThreadsClient) ListMine(ctx context.Context, page Page) ([]Conversation, error) {
	var res threadPageDTO
	if err := t.c.Do(ctx, http.MethodGet, apiPrefix+"/threads/my"+pageQuery(page), nil, &res); err != nil {
		if IsNeutral(err) {
			return []Conversation{}, nil
		}
		return nil, err
	}
	out := make([]Conversation, 0, len(res.Items))
	for _, d := range res.Items {
		out = append(out, d.toConversation())
	}
	return out, nil
}

// ByApplication returns the thread for an application, or nil when there is
// none yet.
func (t *ThreadsClient) ByApplication(ctx context.Context, applicationID string) (*Conversation, error) {
	var res threadDTO
	if err := t.c.Do(ctx, http.MethodGet, apiPrefix+"/threads/application/"+url.PathEscape(applicationID), nil, &res); err != nil {
		if IsNeutral(err) {
			return nil, nil
		}
		return nil, err
	}
	if res.ID == "" {
		return nil, nil
	}
	conv := res.toConversation()
	return &conv, nil
}

func (t *ThreadsClient) Archive(ctx context.Context, threadID string) error {
	return t.c.Do(ctx, http.MethodPut, apiPrefix+"/threads/"+url.PathEscape(threadID)+"/archive", nil, nil)
}

// MarkRead acknowledges every message in a thread as read.
func (t *ThreadsClient) MarkRead(ctx context.Context, threadID string) error {
	return t.c.Do(ctx, http.MethodPut, apiPrefix+"/threads/"+url.PathEscape(threadID)+"/read", nil, nil)
}

// ============================================================================
// Messages
// ============================================================================

// OutgoingMessage is the payload of a send.
type OutgoingMessage struct {
	ApplicationID string
	ThreadID      string
	Content       string
	ReplyToID     string
	Attachments   []Attachment
}

// SendResult is the server's answer to a send.
type SendResult struct {
	Message  *Message
	ThreadID string
}

// MessagesClient handles message listing and message-level actions.
type MessagesClient struct{ c *Client }

// List returns one page of a thread's messages, newest page first.
func (m *MessagesClient) List(ctx context.Context, threadID string, page Page) ([]Message, error) {
	var res messagePageDTO
	path := apiPrefix + "/threads/" + url.PathEscape(threadID) + "/messages" + pageQuery(page)
	if err := m.c.Do(ctx, http.MethodGet, path, nil, &res); err != nil {
		if IsNeutral(err) {
			return []Message{}, nil
		}
		return nil, err
	}
	out := make([]Message, 0, len(res.Items))
	for _, d := range res.Items {
		msg := d.toMessage(m.c.classifier)
		if msg.ThreadID == "" {
			msg.ThreadID = threadID
		}
		out = append(out, msg)
	}
	return out, nil
}

// Send posts a message. It returns (nil, nil) when the messaging service is
// unavailable.
func (m *MessagesClient) Send(ctx context.Context, msg OutgoingMessage) (*SendResult, error) {
	body := sendRequestDTO{
		ApplicationID: msg.ApplicationID,
		ThreadID:      msg.ThreadID,
		Content:       msg.Content,
		ReplyToID:     msg.ReplyToID,
	}
	for _, a := range msg.Attachments {
		body.Attachments = append(body.Attachments, fromAttachment(a))
	}

	var res sendResponseDTO
	if err := m.c.Do(ctx, http.MethodPost, apiPrefix+"/messages", body, &res); err != nil {
		if KindOf(err) == KindServiceUnavailable {
			return nil, nil
		}
		return nil, err
	}

	out := &SendResult{ThreadID: res.ThreadID}
	if res.Message != nil {
		sent := res.Message.toMessage(m.c.classifier)
		if sent.ThreadID == "" {
			sent.ThreadID = res.ThreadID
		}
		if out.ThreadID == "" {
			out.ThreadID = sent.ThreadID
		}
		out.Message = &sent
	}
	return out, nil
}

func (m *MessagesClient) Star(ctx context.Context, messageID string, starred bool) error {
	return m.c.Do(ctx, http.MethodPut, apiPrefix+"/messages/"+url.PathEscape(messageID)+"/star",
		map[string]bool{"starred": starred}, nil)
}

func (m *MessagesClient) Forward(ctx context.Context, messageID, applicationID string) error {
	return m.c.Do(ctx, http.MethodPost, apiPrefix+"/messages/"+url.PathEscape(messageID)+"/forward",
		map[string]string{"applicationId": applicationID}, nil)
}

func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	return m.c.Do(ctx, http.MethodDelete, apiPrefix+"/messages/"+url.PathEscape(messageID), nil, nil)
}

// MarkRead sends a read receipt for one message.
func (m *MessagesClient) MarkRead(ctx context.Context, messageID string) error {
	return m.c.Do(ctx, http.MethodPost, apiPrefix+"/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// ============================================================================
// Unread
// ============================================================================

// UnreadClient reads the unread aggregate.
type UnreadClient struct{ c *Client }

// Count returns the total unread messages, or 0 when the service is offline.
func (u *UnreadClient) Count(ctx context.Context) (int, error) {
	var res unreadDTO
	if err := u.c.Do(ctx, http.MethodGet, apiPrefix+"/messages/unread/count", nil, &res); err != nil {
		if IsNeutral(err) {
			return 0, nil
		}
		return 0, err
	}
	if res.Count < 0 {
		return 0, nil
	}
	return res.Count, nil
}

// ============================================================================
// Cases
// ============================================================================

// CasesClient handles dashboard and case projections.
type CasesClient struct{ c *Client }

// Dashboard returns the partner dashboard. An offline service yields an
// empty dashboard.
func (cs *CasesClient) Dashboard(ctx context.Context) (*Dashboard, error) {
	var res Dashboard
	if err := cs.c.Do(ctx, http.MethodGet, apiPrefix+"/dashboard", nil, &res); err != nil {
		if IsNeutral(err) {
			return &Dashboard{}, nil
		}
		return nil, err
	}
	return &res, nil
}

// Resolve turns a case/application reference into the canonical
// application id. Canonical ids are returned as-is. Any lookup failure,
// including not-found, is an error wrapping ErrUnresolvedReference.
func (cs *CasesClient) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if IsCanonicalID(ref) {
		return ref, nil
	}
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrUnresolvedReference)
	}
	var res caseDTO
	if err := cs.c.Do(ctx, http.MethodGet, apiPrefix+"/cases/by-reference/"+url.PathEscape(ref), nil, &res); err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrUnresolvedReference, ref, err)
	}
	if !IsCanonicalID(res.ApplicationID) {
		return "", fmt.Errorf("%w %q: backend returned %q", ErrUnresolvedReference, ref, res.ApplicationID)
	}
	return res.ApplicationID, nil
}
