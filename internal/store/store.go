// ABOUTME: Store interface and data types for bridge-gateway persistence
// ABOUTME: Defines Bridge, MatrixAccount structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Bridge statuses recorded in the database.
const (
	StatusConnected = "connected"
)

// Bridge represents an active bridge connection for a user on one platform.
// RoomID is the management room shared with the bridge bot.
type Bridge struct {
	UserID         string
	Platform       string
	RoomID         string
	Status         string
	CreatedAt      time.Time
	LastSeenOnline time.Time
}

// MatrixAccount holds the provisioned homeserver account for a gateway user.
// AccessToken authenticates the puppet client; DeviceID pins the e2ee device.
type MatrixAccount struct {
	UserID      string
	MatrixID    string
	AccessToken string
	DeviceID    string
	Password    string
	CreatedAt   time.Time
}

// Store defines the persistence interface for bridge-gateway
type Store interface {
	// Bridge records
	UpsertBridge(ctx context.Context, b *Bridge) error
	GetBridge(ctx context.Context, userID, platform string) (*Bridge, error)
	ListBridges(ctx context.Context, userID string) ([]*Bridge, error)
	ListActiveBridges(ctx context.Context) ([]*Bridge, error)
	CountBridges(ctx context.Context, userID string) (int, error)
	UpdateBridgeLastSeen(ctx context.Context, userID, platform string, at time.Time) error
	DeleteBridge(ctx context.Context, userID, platform string) error

	// Matrix accounts
	CreateMatrixAccount(ctx context.Context, a *MatrixAccount) error
	GetMatrixAccount(ctx context.Context, userID string) (*MatrixAccount, error)
	UpdateMatrixAccessToken(ctx context.Context, userID, accessToken, deviceID string) error

	// Close closes the store and releases resources
	Close() error
}
