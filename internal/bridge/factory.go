// ABOUTME: Production client factory backed by provisioned homeserver accounts
// ABOUTME: Builds one mautrix puppet client per gateway user

package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/bridge-gateway/internal/matrix"
)

// NewMatrixClientFactory returns a ClientFactory that ensures the user has a
// homeserver account and builds an encrypted puppet client for it.
func NewMatrixClientFactory(accounts *matrix.AccountManager, homeserver, storePath string, logger *slog.Logger) ClientFactory {
	return func(ctx context.Context, userID string) (matrix.Client, error) {
		account, err := accounts.EnsureAccount(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("ensuring homeserver account: %w", err)
		}

		client, err := matrix.NewMautrixClient(ctx, matrix.ClientOptions{
			Homeserver:  homeserver,
			MatrixID:    account.MatrixID,
			AccessToken: account.AccessToken,
			DeviceID:    account.DeviceID,
			StorePath:   storePath,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("building puppet client: %w", err)
		}
		return client, nil
	}
}
