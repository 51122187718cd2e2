// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The Store interface covers two record families behind one SQLiteStore
// implementation:
//
//   - Bridge: one row per (user, platform) pair tracking the management room
//     ID, connection status, and the last time the bridge was seen online
//   - MatrixAccount: the homeserver account provisioned for a gateway user,
//     holding its access token, device ID, and generated password
//
// # Data Models
//
// Bridge records are upserted as delete-then-insert inside a transaction, so
// reconnecting a platform replaces the previous record atomically. The
// (user_id, platform) pair is the primary key.
//
// MatrixAccount rows are created once per user and only the access token and
// device ID rotate afterwards, via UpdateMatrixAccessToken.
//
// # Usage
//
//	store, err := store.NewSQLiteStore("/var/lib/bridge-gateway/gateway.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// The database schema is created automatically on first open, WAL mode is
// enabled for concurrent readers, and parent directories are created as
// needed.
package store
