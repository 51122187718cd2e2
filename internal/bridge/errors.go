// ABOUTME: Error taxonomy for the bridge connection lifecycle
// ABOUTME: Sentinel errors plus structured failure and retry-exhaustion types

package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPlatform is returned for platform names outside the descriptor table.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrConnectInFlight is returned when a connect is already running for
	// the same (user, platform) pair.
	ErrConnectInFlight = errors.New("connect already in flight")

	// ErrBotJoinTimeout is returned when the bridge bot never joins the
	// control room within the membership poll budget.
	ErrBotJoinTimeout = errors.New("bridge bot did not join control room")

	// ErrLoginTimeout is returned when no terminal reply arrives within the
	// monitor budget, or a login artifact never shows up during the handshake.
	ErrLoginTimeout = errors.New("no login confirmation within budget")

	// ErrClientInit is returned when the user's client or its credential
	// store cannot be initialized.
	ErrClientInit = errors.New("client initialization failed")
)

// LoginFailedError carries the bot reply that matched a failure pattern.
type LoginFailedError struct {
	Reason string
}

func (e *LoginFailedError) Error() string {
	return fmt.Sprintf("login failed: %s", e.Reason)
}

// CryptoConflictExhaustedError is returned when the one-time key conflict
// retry budget is spent without a clean handshake.
type CryptoConflictExhaustedError struct {
	Attempts int
}

func (e *CryptoConflictExhaustedError) Error() string {
	return fmt.Sprintf("crypto conflict persisted after %d attempts", e.Attempts)
}
