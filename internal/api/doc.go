// Package api exposes bridge lifecycle operations over HTTP.
//
// # Overview
//
// The api package maps REST endpoints onto the bridge service. Every endpoint
// except /health requires a bearer JWT; the authenticated user ID scopes all
// operations, so one user can never see or touch another's bridges.
//
// # Endpoints
//
//   - GET /health - Liveness check, no auth
//   - GET /api/bridges - List the caller's bridges
//   - POST /api/bridges/{platform}/connect - Start a login handshake
//   - GET /api/bridges/{platform}/status - Current connection state
//   - POST /api/bridges/{platform}/disconnect - Tear the bridge down
//   - POST /api/bridges/{platform}/resync - Re-issue contact/chat sync
//
// # Connect Semantics
//
// Connect returns 202 Accepted once the handshake completes: the bridge is
// recorded as connecting and the response carries whatever login artifact the
// platform produced (pairing code, login URL, or QR content URI). Login
// confirmation happens in the background; poll the status endpoint to observe
// the connected transition.
//
// # Error Mapping
//
//   - 400: unknown platform, malformed request
//   - 401: missing or invalid token
//   - 404: bridge not connected (status/resync), unknown action
//   - 409: a connect for the same platform is already in flight
//   - 422: the bridge bot rejected the login
//   - 502: the bot never joined, or crypto-conflict retries were exhausted
//   - 504: no login confirmation within the monitor budget
package api
