// ABOUTME: Sync task manager: one long-running sync loop per user
// ABOUTME: Bounded rounds with short backoff on success, longer on failure

package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/bridge-gateway/internal/matrix"
)

const (
	syncRoundTimeout = 30 * time.Second
	syncOKBackoff    = time.Second
	syncErrBackoff   = 30 * time.Second
)

// SyncManager owns exactly one sync loop per user, regardless of how many
// platforms that user has connected.
type SyncManager struct {
	clock  Clock
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewSyncManager creates an empty sync manager.
func NewSyncManager(clock Clock, logger *slog.Logger) *SyncManager {
	return &SyncManager{
		clock:  clock,
		logger: logger.With("component", "sync"),
		tasks:  make(map[string]context.CancelFunc),
	}
}

// EnsureRunning starts a sync loop for the user if one is not already
// running. The loop lives until Stop(userID), StopAll, or ctx cancellation.
func (sm *SyncManager) EnsureRunning(ctx context.Context, userID string, client matrix.Client) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, running := sm.tasks[userID]; running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sm.tasks[userID] = cancel
	sm.wg.Add(1)
	go sm.loop(loopCtx, userID, client)
	sm.logger.Info("sync loop started", "user_id", userID)
}

// Stop cancels and removes the user's sync loop. No-op if absent.
func (sm *SyncManager) Stop(userID string) {
	sm.mu.Lock()
	cancel, ok := sm.tasks[userID]
	delete(sm.tasks, userID)
	sm.mu.Unlock()

	if ok {
		cancel()
		sm.logger.Info("sync loop stopped", "user_id", userID)
	}
}

// Running reports whether a sync loop exists for the user.
func (sm *SyncManager) Running(userID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.tasks[userID]
	return ok
}

// StopAll cancels every loop and waits for them to exit.
func (sm *SyncManager) StopAll() {
	sm.mu.Lock()
	for userID, cancel := range sm.tasks {
		cancel()
		delete(sm.tasks, userID)
	}
	sm.mu.Unlock()
	sm.wg.Wait()
}

func (sm *SyncManager) loop(ctx context.Context, userID string, client matrix.Client) {
	defer sm.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		backoff := syncOKBackoff
		if err := client.SyncOnce(ctx, syncRoundTimeout); err != nil {
			if ctx.Err() != nil {
				return
			}
			sm.logger.Warn("sync round failed", "user_id", userID, "error", err)
			backoff = syncErrBackoff
		}

		if err := sm.clock.Sleep(ctx, backoff); err != nil {
			return
		}
	}
}
