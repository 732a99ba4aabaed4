package partnermsg

import (
	"context"
	"regexp"

	"github.com/google/uuid"
)

var canonicalIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsCanonicalID reports whether s has the hyphenated 8-4-4-4-12 hex shape
// and is not the all-zero sentinel.
func IsCanonicalID(s string) bool {
	if !canonicalIDPattern.MatchString(s) {
		return false
	}
	id, err := uuid.Parse(s)
	return err == nil && id != uuid.Nil
}

func newTempID() string {
	return tempIDPrefix + uuid.NewString()
}

type traceIDKey struct{}

// WithTraceID attaches a trace id that Client propagates on every request
// made with ctx. Without one, each request gets a fresh trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func traceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}
