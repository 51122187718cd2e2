// ABOUTME: Clock abstraction for poll loops and retry delays
// ABOUTME: Lets tests drive timeouts without real sleeps

package bridge

import (
	"context"
	"time"
)

// Clock abstracts time for the handshake, monitor, and sync loops so their
// timeout behavior is testable without real delays.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is cancelled, returning ctx.Err() in
	// the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// NewClock returns a Clock backed by real time.
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
