// Package auth authenticates chat sessions.
//
// Identities are users in the store. A client proves its identity with an
// HS256 JWT whose "sub" claim is the user ID, signed with the configured
// jwt_secret. The token travels in the Authorization header:
//
//	Authorization: Bearer <token>
//
// or, for browsers that cannot set headers on a WebSocket handshake, in the
// "token" query parameter.
//
// HTTPMiddleware verifies the token, loads the user and attaches an
// AuthContext to the request context; handlers read it with FromContext.
// Authentication happens once per connection; per-conversation access is
// decided separately by the authz package.
package auth
