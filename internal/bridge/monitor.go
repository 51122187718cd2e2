// ABOUTME: Connection monitor: polls the control room for a terminal bot reply
// ABOUTME: Single AwaitingConfirmation state with budgeted ticks and keep-alives

package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/bridge-gateway/internal/matrix"
)

const monitorMessageLimit = 20

// Monitor watches a control room after the handshake until the bot reports a
// terminal outcome or the budget runs out.
type Monitor struct {
	clock  Clock
	logger *slog.Logger
}

// NewMonitor creates a monitor driven by the given clock.
func NewMonitor(clock Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		clock:  clock,
		logger: logger.With("component", "monitor"),
	}
}

// Run polls the control room until a success or failure pattern matches. It
// returns nil on success, a *LoginFailedError when the bot reports failure,
// ErrLoginTimeout when the budget is exhausted, and ctx.Err() on cancellation.
// Replies sent before start are ignored so a stale "logged in" from a previous
// session can't confirm a new attempt.
func (m *Monitor) Run(ctx context.Context, client matrix.Client, p *Platform, roomID, botUserID string) error {
	start := m.clock.Now()
	deadline := start.Add(p.MonitorBudget)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Some bots only reply when prodded, so re-send the keep-alive
		// before reading. Best-effort: a failed send just skips a tick.
		if p.KeepAliveDirective != "" {
			if err := client.SendText(ctx, roomID, p.KeepAliveDirective); err != nil {
				m.logger.Debug("keep-alive send failed", "room", roomID, "error", err)
			}
		}

		messages, err := client.RecentMessages(ctx, roomID, monitorMessageLimit)
		if err != nil {
			m.logger.Debug("fetching control room messages failed", "room", roomID, "error", err)
		}
		for _, msg := range messages {
			if msg.Sender != botUserID || msg.Timestamp.Before(start) {
				continue
			}
			success, failure := p.Classify(msg.Body)
			if success {
				m.logger.Info("bridge confirmed", "platform", p.Name, "room", roomID)
				return nil
			}
			if failure {
				m.logger.Warn("bridge login failed", "platform", p.Name, "room", roomID, "reply", msg.Body)
				return &LoginFailedError{Reason: msg.Body}
			}
		}

		if m.clock.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLoginTimeout, p.Name)
		}
		if err := m.clock.Sleep(ctx, p.MonitorTick); err != nil {
			return err
		}
	}
}
