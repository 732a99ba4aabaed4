package partnermsg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Key layout:
//
//	conv:<threadID>              conversation JSON
//	msg:<threadID>:<messageID>   message JSON
const (
	convPrefix = "conv:"
	msgPrefix  = "msg:"
)

// PebbleCache is a Cache backed by a Pebble database.
type PebbleCache struct {
	db *pebble.DB
}

var _ Cache = (*PebbleCache)(nil)

// OpenPebbleCache opens (or creates) a cache at dir.
func OpenPebbleCache(dir string) (*PebbleCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return openPebble(dir, &pebble.Options{})
}

// OpenMemPebbleCache opens a cache on an in-memory filesystem.
func OpenMemPebbleCache() (*PebbleCache, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()})
}

func openPebble(dir string, opts *pebble.Options) (*PebbleCache, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble cache: %w", err)
	}
	return &PebbleCache{db: db}, nil
}

func (c *PebbleCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PebbleCache) PutConversations(convs []Conversation) error {
	b := c.db.NewBatch()
	defer b.Close()
	prefix := []byte(convPrefix)
	if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	for _, conv := range convs {
		data, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("marshal conversation %s: %w", conv.ID, err)
		}
		if err := b.Set([]byte(convPrefix+conv.ID), data, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (c *PebbleCache) Conversations() ([]Conversation, error) {
	var out []Conversation
	err := c.scan([]byte(convPrefix), func(v []byte) error {
		var conv Conversation
		if err := json.Unmarshal(v, &conv); err != nil {
			return err
		}
		out = append(out, conv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (c *PebbleCache) PutMessages(threadID string, msgs []Message) error {
	b := c.db.NewBatch()
	defer b.Close()
	prefix := []byte(msgPrefix + threadID + ":")
	if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	for _, m := range persistable(msgs) {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ID, err)
		}
		if err := b.Set(append(append([]byte(nil), prefix...), m.ID...), data, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (c *PebbleCache) Messages(threadID string) ([]Message, error) {
	var out []Message
	err := c.scan([]byte(msgPrefix+threadID+":"), func(v []byte) error {
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (c *PebbleCache) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		if err := fn(v); err != nil {
			return err
		}
	}
	return iter.Error()
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
