// ABOUTME: Session store abstraction over per-user crypto state
// ABOUTME: Cleared and recreated during one-time key conflict recovery

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/bridge-gateway/internal/matrix"
	"github.com/2389/bridge-gateway/internal/store"
)

// SessionStore manages the on-disk cryptographic session state backing a
// user's client. Clearing it forces a fresh key upload on the next client.
type SessionStore interface {
	Clear(ctx context.Context, userID string) error
}

// CryptoSessionStore clears the per-user crypto database under the configured
// store path, resolving the Matrix ID through the account table.
type CryptoSessionStore struct {
	store     store.Store
	storePath string
}

// NewCryptoSessionStore creates a session store rooted at storePath.
func NewCryptoSessionStore(st store.Store, storePath string) *CryptoSessionStore {
	return &CryptoSessionStore{store: st, storePath: storePath}
}

// Clear removes the user's crypto database. A user with no provisioned
// account has no session state, so that case is a no-op.
func (s *CryptoSessionStore) Clear(ctx context.Context, userID string) error {
	account, err := s.store.GetMatrixAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving matrix account: %w", err)
	}
	if err := matrix.ClearCryptoStore(s.storePath, account.MatrixID); err != nil {
		return fmt.Errorf("clearing crypto store: %w", err)
	}
	return nil
}
