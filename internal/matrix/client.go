// ABOUTME: Client interface and message types for Matrix homeserver access
// ABOUTME: Abstracts the mautrix client so bridge logic can be tested with fakes

package matrix

import (
	"context"
	"time"
)

// Message is a single room message as seen by the gateway. MediaURL is set
// for image messages (e.g. QR codes posted by a bridge bot) and holds the
// content repository URI.
type Message struct {
	Sender    string
	Body      string
	MediaURL  string
	Timestamp time.Time
}

// MessageHandler receives room messages observed during sync.
type MessageHandler func(ctx context.Context, roomID, sender, body string)

// Client is the surface of a Matrix puppet client used by the bridge layer.
// Implementations must be safe for concurrent use.
type Client interface {
	// UserID returns the full Matrix ID of the authenticated user.
	UserID() string

	// CreateRoom creates a private direct-chat room and returns its room ID.
	CreateRoom(ctx context.Context) (string, error)

	// InviteUser invites the given Matrix user ID to the room.
	InviteUser(ctx context.Context, roomID, userID string) error

	// JoinedMembers returns the Matrix IDs currently joined to the room.
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)

	// SendText sends a plain text message to the room.
	SendText(ctx context.Context, roomID, text string) error

	// RecentMessages returns up to limit messages from the room, newest first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)

	// OnMessage registers a handler invoked for each message observed during
	// sync. Must be called before the first SyncOnce.
	OnMessage(handler MessageHandler)

	// SyncOnce performs a single long-poll sync round against the homeserver,
	// dispatching received events to registered handlers.
	SyncOnce(ctx context.Context, timeout time.Duration) error

	// Close releases client resources, including any crypto store handles.
	Close() error
}
