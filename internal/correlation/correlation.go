// Package correlation threads a per-request correlation identifier through
// context so engine logs and responses can be tied to the originating frame.
package correlation

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MaxIDLength bounds externally supplied correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// state is mutable on purpose: transports call Ensure before the ID is
// known and fill it in later without re-threading the context.
type state struct {
	mu sync.RWMutex
	id string
}

// Ensure attaches correlation state to ctx if not already present.
func Ensure(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(contextKey{}).(*state); ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, &state{})
}

// Set records id on ctx after normalization and returns the carrying
// context. Invalid identifiers leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	ctx = Ensure(ctx)
	st, _ := ctx.Value(contextKey{}).(*state)
	st.mu.Lock()
	st.id = normalized
	st.mu.Unlock()
	return ctx
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	st, ok := ctx.Value(contextKey{}).(*state)
	if !ok || st == nil {
		return ""
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.id
}

// Normalize validates and canonicalizes an external correlation identifier.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a fresh time-ordered correlation identifier.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
