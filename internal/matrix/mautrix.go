// ABOUTME: mautrix-backed implementation of the Client interface
// ABOUTME: Wraps a puppet client with E2EE and manual sync rounds

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MautrixClient implements Client on top of a mautrix puppet client.
type MautrixClient struct {
	cli    *mautrix.Client
	crypto *cryptoManager
	logger *slog.Logger

	mu    sync.Mutex
	since string
}

// ClientOptions carries the credentials and store location for one puppet client.
type ClientOptions struct {
	Homeserver  string
	MatrixID    string
	AccessToken string
	DeviceID    string
	StorePath   string
}

// NewMautrixClient creates a puppet client for one gateway user and initializes
// its per-user crypto store under opts.StorePath.
func NewMautrixClient(ctx context.Context, opts ClientOptions, logger *slog.Logger) (*MautrixClient, error) {
	cli, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.MatrixID), opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	cli.DeviceID = id.DeviceID(opts.DeviceID)

	crypto, err := setupCrypto(ctx, cli, opts.MatrixID, opts.StorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up encryption: %w", err)
	}

	return &MautrixClient{
		cli:    cli,
		crypto: crypto,
		logger: logger.With("component", "matrix", "user", opts.MatrixID),
	}, nil
}

// UserID returns the full Matrix ID of the authenticated user.
func (m *MautrixClient) UserID() string {
	return m.cli.UserID.String()
}

// CreateRoom creates a private direct-chat room for talking to a bridge bot.
func (m *MautrixClient) CreateRoom(ctx context.Context) (string, error) {
	resp, err := m.cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "trusted_private_chat",
		IsDirect:   true,
	})
	if err != nil {
		return "", fmt.Errorf("creating room: %w", err)
	}
	return resp.RoomID.String(), nil
}

// InviteUser invites the given Matrix user ID to the room.
func (m *MautrixClient) InviteUser(ctx context.Context, roomID, userID string) error {
	_, err := m.cli.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{
		UserID: id.UserID(userID),
	})
	if err != nil {
		return fmt.Errorf("inviting %s: %w", userID, err)
	}
	return nil
}

// JoinedMembers returns the Matrix IDs currently joined to the room.
func (m *MautrixClient) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	resp, err := m.cli.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, fmt.Errorf("fetching joined members: %w", err)
	}
	members := make([]string, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID.String())
	}
	return members, nil
}

// SendText sends a plain text message to the room.
func (m *MautrixClient) SendText(ctx context.Context, roomID, text string) error {
	if _, err := m.cli.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages from the room, newest first.
// Encrypted events are decrypted through the crypto helper; events that fail
// to decrypt are skipped.
func (m *MautrixClient) RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	resp, err := m.cli.Messages(ctx, id.RoomID(roomID), "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	messages := make([]Message, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if evt.Type == event.EventEncrypted && m.cli.Crypto != nil {
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
			decrypted, err := m.cli.Crypto.Decrypt(ctx, evt)
			if err != nil {
				m.logger.Debug("skipping undecryptable event", "event_id", evt.ID, "error", err)
				continue
			}
			evt = decrypted
		}
		if evt.Type != event.EventMessage {
			continue
		}
		if evt.Content.Parsed == nil {
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
		}
		msg := evt.Content.AsMessage()
		if msg == nil {
			continue
		}
		messages = append(messages, Message{
			Sender:    evt.Sender.String(),
			Body:      msg.Body,
			MediaURL:  string(msg.URL),
			Timestamp: time.UnixMilli(evt.Timestamp),
		})
	}
	return messages, nil
}

// OnMessage registers a handler for messages observed during sync. Encrypted
// events are decrypted by the crypto helper before reaching the handler.
func (m *MautrixClient) OnMessage(handler MessageHandler) {
	syncer, ok := m.cli.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		m.logger.Error("unexpected syncer type", "type", fmt.Sprintf("%T", m.cli.Syncer))
		return
	}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		msg := evt.Content.AsMessage()
		if msg == nil {
			return
		}
		handler(ctx, evt.RoomID.String(), evt.Sender.String(), msg.Body)
	})
}

// SyncOnce performs a single long-poll sync round, dispatching events to
// registered handlers and advancing the stored since token.
func (m *MautrixClient) SyncOnce(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	since := m.since
	m.mu.Unlock()

	resp, err := m.cli.SyncRequest(ctx, int(timeout.Milliseconds()), since, "", false, event.PresenceOnline)
	if err != nil {
		return fmt.Errorf("sync request: %w", err)
	}

	if err := m.cli.Syncer.ProcessResponse(ctx, resp, since); err != nil {
		return fmt.Errorf("processing sync response: %w", err)
	}

	m.mu.Lock()
	m.since = resp.NextBatch
	m.mu.Unlock()
	return nil
}

// Close releases the crypto store handle.
func (m *MautrixClient) Close() error {
	if m.crypto != nil {
		return m.crypto.Close()
	}
	return nil
}
