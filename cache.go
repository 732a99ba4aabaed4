package partnermsg

import (
	"sort"
	"sync"
)

// Cache persists the last known conversation list and message windows so a
// session can start, or keep rendering, without the backend.
type Cache interface {
	PutConversations(convs []Conversation) error
	Conversations() ([]Conversation, error)
	// PutMessages replaces the cached window for threadID.
	PutMessages(threadID string, msgs []Message) error
	Messages(threadID string) ([]Message, error)
	Close() error
}

// MemoryCache is a goroutine-safe in-memory Cache.
type MemoryCache struct {
	mu            sync.RWMutex
	conversations []Conversation
	messages      map[string][]Message
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{messages: make(map[string][]Message)}
}

var _ Cache = (*MemoryCache)(nil)

func (c *MemoryCache) PutConversations(convs []Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations = append([]Conversation(nil), convs...)
	return nil
}

func (c *MemoryCache) Conversations() ([]Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Conversation(nil), c.conversations...), nil
}

func (c *MemoryCache) PutMessages(threadID string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[threadID] = persistable(msgs)
	return nil
}

func (c *MemoryCache) Messages(threadID string) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.messages[threadID]...), nil
}

func (c *MemoryCache) Close() error { return nil }

// persistable drops optimistic entries and returns a sorted copy.
func persistable(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsTemporary() || m.Status == StatusPending || m.Status == StatusFailed {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
