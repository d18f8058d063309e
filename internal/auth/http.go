// ABOUTME: HTTP middleware for JWT and session-key authentication on API endpoints
// ABOUTME: Extracts the bearer token or X-Session-API-Key header and adds the caller to context

package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when a request carries no acceptable credentials
var ErrUnauthorized = errors.New("unauthorized")

// SessionKeyHeader carries a conversation's session API key
const SessionKeyHeader = "X-Session-API-Key"

// SessionKeyLookup returns the current session key of a conversation. An
// empty key means the conversation has no live session.
type SessionKeyLookup func(ctx context.Context, conversationID string) (string, error)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Middleware authenticates API requests. A Middleware with a nil verifier
// lets every request through.
type Middleware struct {
	verifier    TokenVerifier
	sessionKeys SessionKeyLookup
	logger      *slog.Logger
}

// NewMiddleware creates the API auth middleware. sessionKeys may be nil,
// in which case only bearer tokens are accepted.
func NewMiddleware(verifier TokenVerifier, sessionKeys SessionKeyLookup, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		verifier:    verifier,
		sessionKeys: sessionKeys,
		logger:      logger.With("component", "auth"),
	}
}

// Enabled reports whether requests are checked at all
func (m *Middleware) Enabled() bool {
	return m.verifier != nil
}

// RequireToken rejects requests without a valid bearer JWT
func (m *Middleware) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Method: MethodNone})))
			return
		}

		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			writeUnauthorized(w, errMsg)
			return
		}

		id, err := m.verifyToken(token)
		if err != nil {
			m.logger.Debug("rejected bearer token", "path", r.URL.Path, "error", err)
			writeUnauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireTokenOrSessionKey accepts a bearer JWT or, when none is sent, the
// session key of the conversation named by the {id} path value.
func (m *Middleware) RequireTokenOrSessionKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() || r.Header.Get("Authorization") != "" {
			m.RequireToken(next).ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(SessionKeyHeader)
		if key == "" || m.sessionKeys == nil {
			writeUnauthorized(w, "missing credentials")
			return
		}

		conversationID := r.PathValue("id")
		if err := m.checkSessionKey(r.Context(), conversationID, key); err != nil {
			m.logger.Debug("rejected session key",
				"conversation_id", conversationID,
				"error", err)
			writeUnauthorized(w, "invalid session key")
			return
		}

		id := &Identity{Method: MethodSessionKey, ConversationID: conversationID}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (m *Middleware) verifyToken(token string) (*Identity, error) {
	sub, err := m.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &Identity{Subject: sub, Method: MethodBearer}, nil
}

func (m *Middleware) checkSessionKey(ctx context.Context, conversationID, key string) error {
	if conversationID == "" {
		return ErrUnauthorized
	}
	want, err := m.sessionKeys(ctx, conversationID)
	if err != nil {
		return err
	}
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(key)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
