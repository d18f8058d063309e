// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Method records how a request was authenticated
type Method string

const (
	MethodBearer     Method = "bearer"
	MethodSessionKey Method = "session_key"
	MethodNone       Method = "none" // auth disabled
)

// Identity holds the authenticated caller extracted from a request.
type Identity struct {
	Subject        string // JWT "sub", empty for session keys
	Method         Method
	ConversationID string // set when authenticated by a conversation's session key
}

type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
