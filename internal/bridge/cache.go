// ABOUTME: Per-user client cache with lazy creation and atomic replacement
// ABOUTME: One shared puppet client per user, reused by every bridge they hold

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/bridge-gateway/internal/matrix"
)

// ClientFactory builds a puppet client for one gateway user.
type ClientFactory func(ctx context.Context, userID string) (matrix.Client, error)

// ClientCache owns one shared client per user, created lazily. Operations on
// different users run concurrently; operations on the same user serialize
// through a per-user lock so a replace never races a concurrent create.
type ClientCache struct {
	factory ClientFactory
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]matrix.Client
	locks   map[string]*sync.Mutex
}

// NewClientCache creates a cache that builds clients with the given factory.
func NewClientCache(factory ClientFactory, logger *slog.Logger) *ClientCache {
	return &ClientCache{
		factory: factory,
		logger:  logger.With("component", "client-cache"),
		entries: make(map[string]matrix.Client),
		locks:   make(map[string]*sync.Mutex),
	}
}

// userLock returns the serialization lock for one user, creating it if needed.
func (c *ClientCache) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[userID] = lock
	}
	return lock
}

// GetOrCreate returns the user's client, building one on first use.
func (c *ClientCache) GetOrCreate(ctx context.Context, userID string) (matrix.Client, error) {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	client, ok := c.entries[userID]
	c.mu.Unlock()
	if ok {
		return client, nil
	}

	client, err := c.factory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}

	c.mu.Lock()
	c.entries[userID] = client
	c.mu.Unlock()

	c.logger.Debug("created client", "user_id", userID)
	return client, nil
}

// Get returns the cached client without creating one.
func (c *ClientCache) Get(userID string) (matrix.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.entries[userID]
	return client, ok
}

// Replace discards the user's client and builds a fresh one. Used during
// crypto-conflict recovery after the session store has been cleared.
func (c *ClientCache) Replace(ctx context.Context, userID string) (matrix.Client, error) {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	old, had := c.entries[userID]
	delete(c.entries, userID)
	c.mu.Unlock()

	if had {
		if err := old.Close(); err != nil {
			c.logger.Warn("closing replaced client", "user_id", userID, "error", err)
		}
	}

	client, err := c.factory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}

	c.mu.Lock()
	c.entries[userID] = client
	c.mu.Unlock()

	c.logger.Info("replaced client", "user_id", userID)
	return client, nil
}

// Evict removes and closes the user's client. No-op if absent.
func (c *ClientCache) Evict(userID string) {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	client, ok := c.entries[userID]
	delete(c.entries, userID)
	c.mu.Unlock()

	if !ok {
		return
	}
	if err := client.Close(); err != nil {
		c.logger.Warn("closing evicted client", "user_id", userID, "error", err)
	}
	c.logger.Debug("evicted client", "user_id", userID)
}

// Len returns the number of cached clients.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
