package partnermsg

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCanonicalID(t *testing.T) {
	valid := []string{
		testAppID,
		"6BA7B810-9DAD-11D1-80B4-00C04FD430C8",
	}
	invalid := []string{
		"",
		"00000000-0000-0000-0000-000000000000",
		"6ba7b8109dad11d180b400c04fd430c8",
		"{6ba7b810-9dad-11d1-80b4-00c04fd430c8}",
		"urn:uuid:6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"6ba7b810-9dad-11d1-80b4-00c04fd430cz",
		"KYB-2024-001",
	}
	for _, s := range valid {
		assert.True(t, IsCanonicalID(s), s)
	}
	for _, s := range invalid {
		assert.False(t, IsCanonicalID(s), s)
	}
}

func TestTempIDs(t *testing.T) {
	a, b := newTempID(), newTempID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, tempIDPrefix))
	m := Message{ID: a}
	assert.True(t, m.IsTemporary())
}

func TestTraceID(t *testing.T) {
	assert.Equal(t, "abc", traceIDFrom(WithTraceID(context.Background(), "abc")))
	assert.NotEqual(t, traceIDFrom(context.Background()), traceIDFrom(context.Background()))
}

func TestCanonicalUserID(t *testing.T) {
	t.Run("provider id wins", func(t *testing.T) {
		id := Identity{UserID: testAppID, Email: "a@b.test"}
		assert.Equal(t, testAppID, id.CanonicalUserID())
	})

	t.Run("email placeholder is stable and case-insensitive", func(t *testing.T) {
		a := Identity{Email: "Ops@Acme.test"}.CanonicalUserID()
		b := Identity{UserID: "not-a-uuid", Email: " ops@acme.test "}.CanonicalUserID()
		assert.Equal(t, a, b)
		assert.True(t, IsCanonicalID(a))
	})

	t.Run("nothing to derive from", func(t *testing.T) {
		assert.Empty(t, Identity{DisplayName: "Ops"}.CanonicalUserID())
		assert.NotContains(t, Identity{DisplayName: "Ops"}.headers(), "X-User-ID")
	})
}
