// ABOUTME: Tests for the per-user client cache
// ABOUTME: Covers lazy creation, reuse, replacement, and eviction

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bridge-gateway/internal/matrix"
)

func newTestCache(t *testing.T) (*ClientCache, *struct {
	mu    sync.Mutex
	built map[string]int
	errs  map[string]error
}) {
	t.Helper()
	state := &struct {
		mu    sync.Mutex
		built map[string]int
		errs  map[string]error
	}{built: make(map[string]int), errs: make(map[string]error)}

	clock := newFakeClock()
	factory := func(ctx context.Context, userID string) (matrix.Client, error) {
		state.mu.Lock()
		defer state.mu.Unlock()
		if err := state.errs[userID]; err != nil {
			return nil, err
		}
		state.built[userID]++
		return newFakeClient(userID, clock), nil
	}
	return NewClientCache(factory, slog.Default()), state
}

func TestClientCache_GetOrCreateReuses(t *testing.T) {
	cache, state := newTestCache(t)
	ctx := context.Background()

	first, err := cache.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	second, err := cache.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, state.built["user-1"])
	assert.Equal(t, 1, cache.Len())
}

func TestClientCache_FactoryErrorWrapped(t *testing.T) {
	cache, state := newTestCache(t)
	state.errs["user-1"] = errors.New("homeserver unreachable")

	_, err := cache.GetOrCreate(context.Background(), "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientInit)
	assert.Equal(t, 0, cache.Len())
}

func TestClientCache_ReplaceClosesOld(t *testing.T) {
	cache, state := newTestCache(t)
	ctx := context.Background()

	first, err := cache.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	replaced, err := cache.Replace(ctx, "user-1")
	require.NoError(t, err)

	assert.NotSame(t, first, replaced)
	assert.True(t, first.(*fakeClient).isClosed())
	assert.False(t, replaced.(*fakeClient).isClosed())
	assert.Equal(t, 2, state.built["user-1"])

	cached, ok := cache.Get("user-1")
	require.True(t, ok)
	assert.Same(t, replaced, cached)
}

func TestClientCache_ReplaceWithoutExisting(t *testing.T) {
	cache, _ := newTestCache(t)

	client, err := cache.Replace(context.Background(), "user-1")
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, 1, cache.Len())
}

func TestClientCache_Evict(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	client, err := cache.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	cache.Evict("user-1")
	assert.True(t, client.(*fakeClient).isClosed())
	assert.Equal(t, 0, cache.Len())

	_, ok := cache.Get("user-1")
	assert.False(t, ok)

	// Evicting an absent user is a no-op.
	cache.Evict("user-1")
}

func TestClientCache_UsersIsolated(t *testing.T) {
	cache, state := newTestCache(t)
	ctx := context.Background()

	a, err := cache.GetOrCreate(ctx, "user-a")
	require.NoError(t, err)
	b, err := cache.GetOrCreate(ctx, "user-b")
	require.NoError(t, err)

	cache.Evict("user-a")
	assert.True(t, a.(*fakeClient).isClosed())
	assert.False(t, b.(*fakeClient).isClosed())
	assert.Equal(t, 1, state.built["user-a"])
	assert.Equal(t, 1, state.built["user-b"])
}
