// Package matrix provides homeserver access for bridge-gateway puppet clients.
//
// # Components
//
//   - Client: the narrow interface the bridge layer talks to. MautrixClient is
//     the production implementation on maunium.net/go/mautrix; tests use fakes.
//   - Registrar / AccountManager: provision one homeserver account per gateway
//     user through the synapse shared-secret registration API, falling back to
//     password login when a stored token goes stale.
//   - Crypto helpers: each puppet client gets its own SQLite crypto database
//     under the configured store path, with automatic reset on device ID
//     mismatch and explicit clearing for one-time key conflicts.
//
// # Sync model
//
// MautrixClient does not run a background sync loop of its own. Callers drive
// sync explicitly through SyncOnce, one long-poll round at a time, which keeps
// lifecycle control (backoff, shutdown, per-user teardown) in the bridge layer.
package matrix
