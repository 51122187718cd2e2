// ABOUTME: Homeserver account provisioning via synapse shared-secret registration
// ABOUTME: Ensures each gateway user has a working puppet account and access token

package matrix

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/bridge-gateway/internal/store"
)

// RegisteredAccount holds the credentials returned by a fresh registration.
type RegisteredAccount struct {
	Username    string
	MatrixID    string
	AccessToken string
	DeviceID    string
	Password    string
}

// Registrar provisions homeserver accounts through the synapse admin
// shared-secret registration API.
type Registrar struct {
	homeserver   string
	sharedSecret string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewRegistrar creates a registrar for the given homeserver.
func NewRegistrar(homeserver, sharedSecret string, logger *slog.Logger) *Registrar {
	return &Registrar{
		homeserver:   strings.TrimRight(homeserver, "/"),
		sharedSecret: sharedSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With("component", "registrar"),
	}
}

// Register creates a new homeserver account with a generated username and
// password. The MAC is computed over nonce, username, password, and the
// notadmin marker, NUL-separated, per the synapse shared-secret protocol.
func (r *Registrar) Register(ctx context.Context) (*RegisteredAccount, error) {
	nonce, err := r.fetchNonce(ctx)
	if err != nil {
		return nil, err
	}

	username := "appuser_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	password := uuid.NewString()

	mac := hmac.New(sha1.New, []byte(r.sharedSecret))
	fmt.Fprintf(mac, "%s\x00%s\x00%s\x00notadmin", nonce, username, password)

	body, err := json.Marshal(map[string]any{
		"nonce":    nonce,
		"username": username,
		"password": password,
		"admin":    false,
		"mac":      hex.EncodeToString(mac.Sum(nil)),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.registerURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending registration request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading registration response: %w", err)
	}

	var regResp struct {
		UserID      string `json:"user_id"`
		AccessToken string `json:"access_token"`
		DeviceID    string `json:"device_id"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(data, &regResp); err != nil {
		return nil, fmt.Errorf("parsing registration response: %w", err)
	}
	if regResp.AccessToken == "" {
		if regResp.Error != "" {
			return nil, fmt.Errorf("registration rejected: %s", regResp.Error)
		}
		return nil, fmt.Errorf("registration response missing access token (status %d)", resp.StatusCode)
	}

	matrixID := regResp.UserID
	if matrixID == "" {
		matrixID = fmt.Sprintf("@%s:%s", username, r.serverName())
	}

	r.logger.Info("registered homeserver account", "matrix_id", matrixID)
	return &RegisteredAccount{
		Username:    username,
		MatrixID:    matrixID,
		AccessToken: regResp.AccessToken,
		DeviceID:    regResp.DeviceID,
		Password:    password,
	}, nil
}

// Login exchanges a stored password for a fresh access token, pinning the
// existing device ID so the crypto store stays valid.
func (r *Registrar) Login(ctx context.Context, matrixID, password, deviceID string) (accessToken, newDeviceID string, err error) {
	cli, err := mautrix.NewClient(r.homeserver, "", "")
	if err != nil {
		return "", "", fmt.Errorf("creating login client: %w", err)
	}

	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: matrixID,
		},
		Password:                 password,
		DeviceID:                 id.DeviceID(deviceID),
		InitialDeviceDisplayName: "bridge-gateway",
	})
	if err != nil {
		return "", "", fmt.Errorf("password login: %w", err)
	}

	return resp.AccessToken, resp.DeviceID.String(), nil
}

func (r *Registrar) fetchNonce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.registerURL(), nil)
	if err != nil {
		return "", fmt.Errorf("building nonce request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching nonce: %w", err)
	}
	defer resp.Body.Close()

	var nonceResp struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&nonceResp); err != nil {
		return "", fmt.Errorf("parsing nonce response: %w", err)
	}
	if nonceResp.Nonce == "" {
		return "", errors.New("no nonce in response")
	}
	return nonceResp.Nonce, nil
}

func (r *Registrar) registerURL() string {
	return r.homeserver + "/_synapse/admin/v1/register"
}

func (r *Registrar) serverName() string {
	u, err := url.Parse(r.homeserver)
	if err != nil || u.Hostname() == "" {
		return r.homeserver
	}
	return u.Hostname()
}

// AccountManager ensures every gateway user has a working homeserver account,
// registering on first use and rotating tokens when they go stale.
type AccountManager struct {
	registrar *Registrar
	store     store.Store
	logger    *slog.Logger
}

// NewAccountManager creates an account manager backed by the given registrar and store.
func NewAccountManager(registrar *Registrar, st store.Store, logger *slog.Logger) *AccountManager {
	return &AccountManager{
		registrar: registrar,
		store:     st,
		logger:    logger.With("component", "accounts"),
	}
}

// EnsureAccount returns the homeserver account for a gateway user, registering
// a new one on first use. If the stored access token no longer works, a fresh
// password login replaces it.
func (am *AccountManager) EnsureAccount(ctx context.Context, userID string) (*store.MatrixAccount, error) {
	account, err := am.store.GetMatrixAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return am.registerAccount(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading matrix account: %w", err)
	}

	if err := am.validateToken(ctx, account); err != nil {
		am.logger.Info("stored access token invalid, logging in again", "user_id", userID)
		return am.refreshToken(ctx, account)
	}
	return account, nil
}

func (am *AccountManager) registerAccount(ctx context.Context, userID string) (*store.MatrixAccount, error) {
	am.logger.Info("registering new homeserver account", "user_id", userID)

	reg, err := am.registrar.Register(ctx)
	if err != nil {
		return nil, fmt.Errorf("registering account: %w", err)
	}

	account := &store.MatrixAccount{
		UserID:      userID,
		MatrixID:    reg.MatrixID,
		AccessToken: reg.AccessToken,
		DeviceID:    reg.DeviceID,
		Password:    reg.Password,
		CreatedAt:   time.Now().UTC(),
	}
	if err := am.store.CreateMatrixAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("persisting matrix account: %w", err)
	}
	return account, nil
}

func (am *AccountManager) validateToken(ctx context.Context, account *store.MatrixAccount) error {
	cli, err := mautrix.NewClient(am.registrar.homeserver, id.UserID(account.MatrixID), account.AccessToken)
	if err != nil {
		return err
	}
	_, err = cli.Whoami(ctx)
	return err
}

func (am *AccountManager) refreshToken(ctx context.Context, account *store.MatrixAccount) (*store.MatrixAccount, error) {
	token, deviceID, err := am.registrar.Login(ctx, account.MatrixID, account.Password, account.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}

	if err := am.store.UpdateMatrixAccessToken(ctx, account.UserID, token, deviceID); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}

	account.AccessToken = token
	account.DeviceID = deviceID
	return account, nil
}
