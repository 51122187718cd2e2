// Package auth provides authentication for bridge-gateway API requests.
//
// # Authentication Method
//
// API clients authenticate with JWT tokens signed with HS256 using the
// configured jwt_secret. The "sub" claim carries the gateway user ID, which
// keys all bridge state: one user may hold at most one bridge per platform.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware validates the Authorization bearer token on every API
// request and attaches the user ID to the request context. Handlers retrieve
// it with UserIDFromContext:
//
//	userID := auth.UserIDFromContext(r.Context())
//
// Requests with a missing, malformed, or expired token are rejected with
// 401 before reaching any handler.
package auth
