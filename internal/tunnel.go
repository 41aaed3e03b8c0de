// Package tunnel defines domain types and identity rules for the Burrow relay.
// This package has no project imports -- it is the dependency root.
package tunnel

import (
	"context"
	"time"
)

// --- Identity ---

// TokenLength is the rendered length of a routing token: a 128-bit value as
// lowercase hex. The token's entropy is the entire data-path credential, so
// any change here is a protocol change.
const TokenLength = 32

// ValidToken reports whether s has the token lexical shape:
// exactly 32 lowercase hex characters.
func ValidToken(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Redact shortens a token for logs and traces. The full token is the whole
// data-path credential, so only the first 8 characters may leave the process.
func Redact(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

// ValidAlias reports whether s satisfies the alias lexical rules:
// 1-63 characters, lowercase letters, digits and hyphens, not beginning
// or ending with a hyphen. Reservation is checked separately by the
// resolver because the reserved set is configuration.
func ValidAlias(s string) bool {
	if len(s) < 1 || len(s) > 63 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') && c != '-' {
			return false
		}
	}
	return true
}

// --- Tunnel introspection ---

// TunnelInfo describes one connected registration for the
// /internal/connected-tokens endpoint.
type TunnelInfo struct {
	Token       string    `json:"token"`
	ClientIP    string    `json:"clientIp"`
	TargetPort  int       `json:"targetPort"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// TrafficRecord is the journal entry for one completed ingress request.
type TrafficRecord struct {
	RequestID string
	Token     string
	Alias     string
	Method    string
	Path      string
	Status    int
	BytesIn   int64
	BytesOut  int64
	Duration  time.Duration
	At        time.Time
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the correlation id from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given correlation id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
