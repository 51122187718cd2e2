// ABOUTME: Tests for the per-user sync loop manager
// ABOUTME: Covers loop uniqueness, stopping, and error backoff

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncManager_OneLoopPerUser(t *testing.T) {
	clock := newFakeClock()
	sm := NewSyncManager(clock, slog.Default())
	defer sm.StopAll()

	client := newFakeClient("user-1", clock)
	ctx := context.Background()

	sm.EnsureRunning(ctx, "user-1", client)
	sm.EnsureRunning(ctx, "user-1", client)
	sm.EnsureRunning(ctx, "user-1", newFakeClient("user-1", clock))

	assert.True(t, sm.Running("user-1"))

	require.Eventually(t, func() bool {
		return client.syncRuns.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSyncManager_StopEndsLoop(t *testing.T) {
	clock := newFakeClock()
	sm := NewSyncManager(clock, slog.Default())
	defer sm.StopAll()

	client := newFakeClient("user-1", clock)
	sm.EnsureRunning(context.Background(), "user-1", client)

	require.Eventually(t, func() bool {
		return client.syncRuns.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	sm.Stop("user-1")
	// A second Stop is a no-op.
	sm.Stop("user-1")
	assert.False(t, sm.Running("user-1"))

	// No new rounds after the loop drains.
	settled := client.syncRuns.Load()
	time.Sleep(20 * time.Millisecond)
	final := client.syncRuns.Load()
	assert.LessOrEqual(t, final, settled+1)
}

func TestSyncManager_KeepsRunningAfterErrors(t *testing.T) {
	clock := newFakeClock()
	sm := NewSyncManager(clock, slog.Default())
	defer sm.StopAll()

	client := newFakeClient("user-1", clock)
	client.mu.Lock()
	client.syncErr = errors.New("sync failed: M_UNKNOWN_TOKEN")
	client.mu.Unlock()

	sm.EnsureRunning(context.Background(), "user-1", client)

	require.Eventually(t, func() bool {
		return client.syncRuns.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, sm.Running("user-1"))
}

func TestSyncManager_ContextCancelEndsLoop(t *testing.T) {
	clock := newFakeClock()
	sm := NewSyncManager(clock, slog.Default())
	defer sm.StopAll()

	ctx, cancel := context.WithCancel(context.Background())
	client := newFakeClient("user-1", clock)
	sm.EnsureRunning(ctx, "user-1", client)

	require.Eventually(t, func() bool {
		return client.syncRuns.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	settled := client.syncRuns.Load()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, client.syncRuns.Load(), settled+1)
}
