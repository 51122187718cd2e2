// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides bridge/account persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bridges (
			user_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			room_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_seen_online DATETIME NOT NULL,
			PRIMARY KEY (user_id, platform)
		);

		CREATE INDEX IF NOT EXISTS idx_bridges_user_id
			ON bridges(user_id);

		CREATE TABLE IF NOT EXISTS matrix_accounts (
			user_id TEXT PRIMARY KEY,
			matrix_id TEXT NOT NULL,
			access_token TEXT NOT NULL,
			device_id TEXT NOT NULL,
			password TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertBridge inserts a bridge record, replacing any existing record for the
// same (user, platform) pair.
func (s *SQLiteStore) UpsertBridge(ctx context.Context, b *Bridge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM bridges WHERE user_id = ? AND platform = ?",
		b.UserID, b.Platform); err != nil {
		return fmt.Errorf("deleting existing bridge: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bridges (user_id, platform, room_id, status, created_at, last_seen_online)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.UserID, b.Platform, b.RoomID, b.Status, b.CreatedAt, b.LastSeenOnline); err != nil {
		return fmt.Errorf("inserting bridge: %w", err)
	}

	return tx.Commit()
}

// GetBridge retrieves the bridge record for a user on a platform.
// Returns ErrNotFound if no record exists.
func (s *SQLiteStore) GetBridge(ctx context.Context, userID, platform string) (*Bridge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, platform, room_id, status, created_at, last_seen_online
		 FROM bridges WHERE user_id = ? AND platform = ?`,
		userID, platform)

	b, err := scanBridge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying bridge: %w", err)
	}
	return b, nil
}

// ListBridges returns all bridge records for a user, ordered by platform.
func (s *SQLiteStore) ListBridges(ctx context.Context, userID string) ([]*Bridge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, platform, room_id, status, created_at, last_seen_online
		 FROM bridges WHERE user_id = ? ORDER BY platform`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying bridges: %w", err)
	}
	defer rows.Close()

	return collectBridges(rows)
}

// ListActiveBridges returns all connected bridge records across all users.
// Used at startup to restore sync loops for previously connected users.
func (s *SQLiteStore) ListActiveBridges(ctx context.Context) ([]*Bridge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, platform, room_id, status, created_at, last_seen_online
		 FROM bridges WHERE status = ? ORDER BY user_id, platform`,
		StatusConnected)
	if err != nil {
		return nil, fmt.Errorf("querying active bridges: %w", err)
	}
	defer rows.Close()

	return collectBridges(rows)
}

// CountBridges returns the number of bridge records for a user.
func (s *SQLiteStore) CountBridges(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bridges WHERE user_id = ?", userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting bridges: %w", err)
	}
	return count, nil
}

// UpdateBridgeLastSeen records the most recent time a user's bridge was
// observed online. Returns ErrNotFound if no record exists.
func (s *SQLiteStore) UpdateBridgeLastSeen(ctx context.Context, userID, platform string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE bridges SET last_seen_online = ? WHERE user_id = ? AND platform = ?",
		at, userID, platform)
	if err != nil {
		return fmt.Errorf("updating bridge last seen: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBridge removes the bridge record for a user on a platform.
// Returns ErrNotFound if no record exists.
func (s *SQLiteStore) DeleteBridge(ctx context.Context, userID, platform string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM bridges WHERE user_id = ? AND platform = ?",
		userID, platform)
	if err != nil {
		return fmt.Errorf("deleting bridge: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMatrixAccount stores a newly provisioned homeserver account.
func (s *SQLiteStore) CreateMatrixAccount(ctx context.Context, a *MatrixAccount) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO matrix_accounts (user_id, matrix_id, access_token, device_id, password, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.UserID, a.MatrixID, a.AccessToken, a.DeviceID, a.Password, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting matrix account: %w", err)
	}
	return nil
}

// GetMatrixAccount retrieves the homeserver account for a gateway user.
// Returns ErrNotFound if the user has no provisioned account.
func (s *SQLiteStore) GetMatrixAccount(ctx context.Context, userID string) (*MatrixAccount, error) {
	var a MatrixAccount
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, matrix_id, access_token, device_id, password, created_at
		 FROM matrix_accounts WHERE user_id = ?`,
		userID).Scan(&a.UserID, &a.MatrixID, &a.AccessToken, &a.DeviceID, &a.Password, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying matrix account: %w", err)
	}
	return &a, nil
}

// UpdateMatrixAccessToken replaces a user's access token and device ID after a
// fresh login against the homeserver.
func (s *SQLiteStore) UpdateMatrixAccessToken(ctx context.Context, userID, accessToken, deviceID string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE matrix_accounts SET access_token = ?, device_id = ? WHERE user_id = ?",
		accessToken, deviceID, userID)
	if err != nil {
		return fmt.Errorf("updating access token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBridge(row rowScanner) (*Bridge, error) {
	var b Bridge
	err := row.Scan(&b.UserID, &b.Platform, &b.RoomID, &b.Status, &b.CreatedAt, &b.LastSeenOnline)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBridges(rows *sql.Rows) ([]*Bridge, error) {
	var bridges []*Bridge
	for rows.Next() {
		b, err := scanBridge(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bridge: %w", err)
		}
		bridges = append(bridges, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bridges: %w", err)
	}
	return bridges, nil
}
