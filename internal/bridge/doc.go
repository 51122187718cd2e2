// Package bridge manages the lifecycle of messaging-platform bridges.
//
// # Overview
//
// Each gateway user gets one puppet Matrix account that talks to per-platform
// bridge bots (mautrix-whatsapp, mautrix-telegram, and so on) running behind a
// shared homeserver. Connecting a bridge means driving a management-room
// conversation with the right bot: create a private room, invite the bot, wait
// for it to join, issue the platform's login directive, and hand any login
// artifact (pairing code, login URL, QR image) back to the caller. The bot
// then confirms or rejects the login asynchronously, which a background
// monitor picks up.
//
// # Service
//
// Service is the package's entry point and owns all per-user state:
//
//	svc := bridge.NewService(store, cache, sessions, bots, sink, clock, cfg, logger)
//
// Key operations:
//
//   - Connect(ctx, userID, platform, payload): Run the handshake, record the
//     bridge as connecting, and start a confirmation monitor
//   - Status(ctx, userID, platform): Report the stored bridge state
//   - List(ctx, userID): All bridges for a user
//   - Disconnect(ctx, userID, platform): Send cleanup directives, delete the
//     record, and release the client and sync loop when it was the last bridge
//   - Resync(ctx, userID, platform): Re-issue the platform's sync directives
//   - RestoreActive(ctx): Rebuild clients and sync loops after a restart
//
// # Platform Descriptors
//
// Every platform-specific detail lives in one Platform descriptor: directives,
// reply patterns, artifact extraction, and monitor timing. The handshake and
// monitor code paths are identical across platforms.
//
// # Client Cache
//
// ClientCache keeps exactly one Matrix client per user, created lazily and
// shared by every bridge that user holds. Replace swaps in a fresh client
// during crypto-conflict recovery; Evict closes the client when the user's
// last bridge disconnects.
//
// # Crypto-Conflict Recovery
//
// A stale end-to-end encryption session surfaces as a one-time key collision
// when the puppet uploads device keys. Connect retries up to three times:
// clear the user's crypto store, wait briefly, replace the client, and run the
// handshake again in a fresh room. Exhausting the attempts returns
// CryptoConflictExhaustedError.
//
// # Confirmation Monitor
//
// After the handshake, a monitor polls the management room on the platform's
// tick, classifying bot replies against the platform's success and failure
// patterns until the budget runs out. Success upserts the bridge as connected,
// attaches the message relay, starts the sync loop, and fires the platform's
// post-connect directives. Failure or timeout deletes the record so the user
// can retry. A disconnect issued mid-monitor cancels it; the monitor's late
// result is dropped.
//
// # Sync Loops
//
// SyncManager runs at most one /sync loop per user, regardless of how many
// platforms they have connected. Rounds are bounded at 30 seconds with a short
// backoff on success and a longer one on failure. The loop stops when the
// user's last bridge disconnects.
package bridge
