// Package auth authenticates calls to the convo-gateway HTTP API.
//
// # Bearer Tokens
//
// API clients authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret. The "sub" claim identifies the caller:
//
//	verifier, err := NewJWTVerifier(secret)
//	token, err := verifier.Generate("ops-dashboard", time.Hour)
//
// # Session Keys
//
// A running conversation carries a session API key. Endpoints scoped to a
// single conversation accept it in the X-Session-API-Key header when no
// bearer token is sent, so a runtime can reach its own conversation without
// holding a gateway token.
//
// When no secret is configured the middleware lets every request through.
package auth
