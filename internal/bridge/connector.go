// ABOUTME: Connection orchestrator: control room handshake with a bridge bot
// ABOUTME: Wraps the handshake in bounded one-time key conflict recovery

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/bridge-gateway/internal/matrix"
)

const (
	joinPollInterval = 500 * time.Millisecond
	joinPollAttempts = 15

	artifactPollInterval = 500 * time.Millisecond
	artifactPollAttempts = 60

	directiveDelay = time.Second

	conflictRetryDelay  = 2 * time.Second
	maxConflictAttempts = 3
)

// HandshakeResult is what a completed handshake hands back to the caller.
// LoginURL and PairingCode are set only for platforms whose login finishes
// out of band.
type HandshakeResult struct {
	RoomID      string
	LoginURL    string
	PairingCode string
}

// Connector drives the control room handshake for one (user, platform) pair:
// create a room, invite the bot, wait for it to join, send the login
// directive, and extract any out-of-band login artifact.
type Connector struct {
	cache    *ClientCache
	sessions SessionStore
	clock    Clock
	logger   *slog.Logger
}

// NewConnector creates a connector using the given cache and session store.
func NewConnector(cache *ClientCache, sessions SessionStore, clock Clock, logger *slog.Logger) *Connector {
	return &Connector{
		cache:    cache,
		sessions: sessions,
		clock:    clock,
		logger:   logger.With("component", "connector"),
	}
}

// Connect runs the handshake, recovering from transient one-time key
// conflicts by clearing the user's session store and retrying with a fresh
// client. Each retry creates a new control room; a room touched by a failed
// attempt is never reused. Non-conflict errors propagate immediately.
func (c *Connector) Connect(ctx context.Context, userID string, p *Platform, botUserID, payload string) (*HandshakeResult, error) {
	client, err := c.cache.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		result, err := c.attempt(ctx, client, p, botUserID, payload)
		if err == nil {
			return result, nil
		}
		if !matrix.IsOneTimeKeyConflict(err) {
			return nil, err
		}
		if attempt >= maxConflictAttempts {
			c.logger.Error("crypto conflict retry budget spent",
				"user_id", userID, "platform", p.Name, "attempts", attempt)
			return nil, &CryptoConflictExhaustedError{Attempts: attempt}
		}

		c.logger.Warn("one-time key conflict, resetting session state",
			"user_id", userID, "platform", p.Name, "attempt", attempt)
		if clearErr := c.sessions.Clear(ctx, userID); clearErr != nil {
			return nil, fmt.Errorf("clearing session store: %w", clearErr)
		}
		if sleepErr := c.clock.Sleep(ctx, conflictRetryDelay); sleepErr != nil {
			return nil, sleepErr
		}
		client, err = c.cache.Replace(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
}

// attempt performs one full handshake against a fresh control room.
func (c *Connector) attempt(ctx context.Context, client matrix.Client, p *Platform, botUserID, payload string) (*HandshakeResult, error) {
	roomID, err := client.CreateRoom(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating control room: %w", err)
	}

	if err := client.InviteUser(ctx, roomID, botUserID); err != nil {
		return nil, fmt.Errorf("inviting bridge bot: %w", err)
	}

	if err := c.awaitBotJoin(ctx, client, roomID, botUserID); err != nil {
		return nil, err
	}

	if p.CancelDirective != "" {
		if err := client.SendText(ctx, roomID, p.CancelDirective); err != nil {
			return nil, fmt.Errorf("sending cancel directive: %w", err)
		}
		if err := c.clock.Sleep(ctx, directiveDelay); err != nil {
			return nil, err
		}
	}

	for i, directive := range p.LoginDirectives(payload) {
		if i > 0 {
			if err := c.clock.Sleep(ctx, directiveDelay); err != nil {
				return nil, err
			}
		}
		if err := client.SendText(ctx, roomID, directive); err != nil {
			return nil, fmt.Errorf("sending login directive: %w", err)
		}
	}

	result := &HandshakeResult{RoomID: roomID}
	if p.Artifact != ArtifactNone {
		if err := c.awaitArtifact(ctx, client, p, roomID, botUserID, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// awaitBotJoin polls room membership until the bot shows up.
func (c *Connector) awaitBotJoin(ctx context.Context, client matrix.Client, roomID, botUserID string) error {
	for i := 0; i < joinPollAttempts; i++ {
		members, err := client.JoinedMembers(ctx, roomID)
		if err != nil {
			return fmt.Errorf("checking room membership: %w", err)
		}
		for _, member := range members {
			if member == botUserID {
				return nil
			}
		}
		if err := c.clock.Sleep(ctx, joinPollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrBotJoinTimeout, botUserID)
}

// awaitArtifact polls recent bot messages for the platform's login artifact.
func (c *Connector) awaitArtifact(ctx context.Context, client matrix.Client, p *Platform, roomID, botUserID string, result *HandshakeResult) error {
	for i := 0; i < artifactPollAttempts; i++ {
		messages, err := client.RecentMessages(ctx, roomID, 5)
		if err != nil {
			return fmt.Errorf("fetching bot replies: %w", err)
		}
		for _, msg := range messages {
			if msg.Sender != botUserID {
				continue
			}
			if c.extractArtifact(p, msg, result) {
				return nil
			}
		}
		if err := c.clock.Sleep(ctx, artifactPollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: login artifact not received", ErrLoginTimeout)
}

func (c *Connector) extractArtifact(p *Platform, msg matrix.Message, result *HandshakeResult) bool {
	switch p.Artifact {
	case ArtifactURL:
		if m := p.ArtifactPattern.FindStringSubmatch(msg.Body); m != nil {
			result.LoginURL = m[1]
			return true
		}
	case ArtifactPairingCode:
		if m := p.ArtifactPattern.FindStringSubmatch(msg.Body); m != nil {
			result.PairingCode = m[1]
			return true
		}
	case ArtifactMediaURL:
		if msg.MediaURL != "" {
			result.LoginURL = msg.MediaURL
			return true
		}
	}
	return false
}
