package partnermsg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaches(t *testing.T) {
	backends := map[string]func(t *testing.T) Cache{
		"memory": func(t *testing.T) Cache { return NewMemoryCache() },
		"pebble": func(t *testing.T) Cache {
			c, err := OpenMemPebbleCache()
			require.NoError(t, err)
			return c
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			c := open(t)
			defer c.Close()

			convs := []Conversation{
				{ID: "a", Subject: "older", LastMessageAt: t0},
				{ID: "b", Subject: "newer", LastMessageAt: t0.Add(time.Hour)},
			}
			require.NoError(t, c.PutConversations(convs))
			require.NoError(t, c.PutConversations(convs[1:]))
			got, err := c.Conversations()
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "newer", got[0].Subject)

			pending := Message{ID: newTempID(), ThreadID: testThreadID, Status: StatusPending, Timestamp: t0}
			require.NoError(t, c.PutMessages(testThreadID, []Message{
				msgAt("m2", testThreadID, 2), pending, msgAt("m1", testThreadID, 1),
			}))
			require.NoError(t, c.PutMessages(testAppID, []Message{msgAt("x", testAppID, 0)}))

			msgs, err := c.Messages(testThreadID)
			require.NoError(t, err)
			assert.Equal(t, []string{"m1", "m2"}, ids(msgs))
			assert.True(t, msgs[0].Timestamp.Equal(t0.Add(time.Minute)))

			// A new window replaces the old one for that thread only.
			require.NoError(t, c.PutMessages(testThreadID, []Message{msgAt("m3", testThreadID, 3)}))
			msgs, err = c.Messages(testThreadID)
			require.NoError(t, err)
			assert.Equal(t, []string{"m3"}, ids(msgs))
			other, err := c.Messages(testAppID)
			require.NoError(t, err)
			assert.Equal(t, []string{"x"}, ids(other))

			empty, err := c.Messages("unknown")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("conv;"), prefixEnd([]byte("conv:")))
	assert.Equal(t, []byte("b"), prefixEnd([]byte{'a', 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}
