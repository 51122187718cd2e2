// ABOUTME: Encryption setup for puppet clients
// ABOUTME: Configures per-user E2EE stores using mautrix cryptohelper

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// cryptoManager handles E2EE setup and lifecycle for one puppet client.
type cryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// setupCrypto initializes E2EE for a puppet client. Each Matrix user gets its
// own SQLite crypto database under storePath. If a device ID mismatch is
// detected, the crypto database is automatically reset.
func setupCrypto(ctx context.Context, client *mautrix.Client, matrixID, storePath string, logger *slog.Logger) (*cryptoManager, error) {
	if err := os.MkdirAll(storePath, 0700); err != nil {
		return nil, fmt.Errorf("creating crypto store directory: %w", err)
	}

	dbPath := CryptoStorePath(storePath, matrixID)
	logger.Debug("setting up encryption", "db", dbPath, "user", matrixID)

	// Derive store key from user ID for per-user isolation.
	storeKey := deriveStoreKey(matrixID)

	// Check for device ID mismatch BEFORE creating helper to avoid DB lock issues
	if needsReset, err := checkDeviceIDMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if needsReset {
		logger.Warn("device ID mismatch detected, resetting crypto database", "user", matrixID)
		if err := removeCryptoDB(dbPath); err != nil {
			return nil, fmt.Errorf("removing old crypto database: %w", err)
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}

	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}

	// Wire up the crypto helper for automatic encryption of outgoing messages
	client.Crypto = helper

	return &cryptoManager{
		helper: helper,
		logger: logger,
	}, nil
}

// Close cleans up crypto resources.
func (cm *cryptoManager) Close() error {
	if cm.helper != nil {
		return cm.helper.Close()
	}
	return nil
}

// CryptoStorePath returns the crypto database path for a Matrix user.
func CryptoStorePath(storePath, matrixID string) string {
	return filepath.Join(storePath, fmt.Sprintf("crypto-%s.db", slugify(matrixID)))
}

// ClearCryptoStore deletes the crypto database for a Matrix user. Used to
// recover from one-time key conflicts where the homeserver already holds keys
// this store no longer knows about.
func ClearCryptoStore(storePath, matrixID string) error {
	return removeCryptoDB(CryptoStorePath(storePath, matrixID))
}

func removeCryptoDB(dbPath string) error {
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @bridge_u1:matrix.org -> bridge_u1_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result = append(result, c)
		} else if c == ':' {
			result = append(result, '_')
		}
	}
	return string(result)
}

// deriveStoreKey creates a deterministic store encryption key from user ID.
func deriveStoreKey(userID string) []byte {
	h := sha256.Sum256([]byte("bridge-gateway-crypto:" + userID))
	return h[:]
}

// checkDeviceIDMismatch opens the crypto database and checks if the stored
// device ID matches the current client device ID. Returns true if the DB
// exists and holds a different device ID.
func checkDeviceIDMismatch(dbPath string, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var storedDeviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&storedDeviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}

	return storedDeviceID != currentDeviceID, nil
}

// IsOneTimeKeyConflict reports whether the error indicates the homeserver
// rejected an upload because a one-time key already exists for this device.
func IsOneTimeKeyConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "One time key") && strings.Contains(msg, "already exists")
}
