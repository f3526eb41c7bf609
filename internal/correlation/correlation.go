// Package correlation propagates request correlation identifiers on contexts
// so that every log line and forwarded call for a request shares one id.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength defines the maximum number of characters accepted for
// correlation identifiers supplied by clients.
const MaxIDLength = 128

type contextKey struct{}

// Ensure attaches a correlation id to ctx, generating one when absent.
func Ensure(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Value(contextKey{}).(string); ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, xid.New().String())
}

// Set records the correlation id on ctx when it normalizes to a valid value.
func Set(ctx context.Context, id string) context.Context {
	if normalized, ok := Normalize(id); ok {
		return context.WithValue(ctx, contextKey{}, normalized)
	}
	return ctx
}

// ID retrieves the correlation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Normalize trims and validates a caller-supplied correlation id.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return "", false
		}
	}
	return id, true
}
