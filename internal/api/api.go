// ABOUTME: HTTP API handlers for bridge lifecycle operations.
// ABOUTME: Maps REST endpoints onto the bridge service with JWT auth.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/bridge-gateway/internal/auth"
	"github.com/2389/bridge-gateway/internal/bridge"
	"github.com/2389/bridge-gateway/internal/store"
)

// ConnectRequest is the JSON request body for POST /api/bridges/{platform}/connect.
type ConnectRequest struct {
	// Payload carries the platform credential: a phone number for whatsapp,
	// a session blob for messenger/instagram, empty for telegram and signal.
	Payload string `json:"payload,omitempty"`
}

// ConnectResponse is the JSON response for a successful connect.
type ConnectResponse struct {
	Platform    string `json:"platform"`
	Status      string `json:"status"`
	LoginURL    string `json:"login_url,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

// StatusResponse is the JSON response for GET /api/bridges/{platform}/status.
type StatusResponse struct {
	Platform  string `json:"platform"`
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

// BridgeInfo is one entry in the GET /api/bridges response.
type BridgeInfo struct {
	Platform  string `json:"platform"`
	Status    string `json:"status"`
	RoomID    string `json:"room_id"`
	CreatedAt string `json:"created_at"`
}

// ListBridgesResponse is the JSON response for GET /api/bridges.
type ListBridgesResponse struct {
	Bridges []BridgeInfo `json:"bridges"`
}

// bridgeService is the surface of bridge.Service the handlers use.
// This allows injecting mock implementations for testing.
type bridgeService interface {
	Connect(ctx context.Context, userID, platform, payload string) (*bridge.ConnectResult, error)
	Status(ctx context.Context, userID, platform string) (*bridge.StatusResult, error)
	List(ctx context.Context, userID string) ([]*store.Bridge, error)
	Disconnect(ctx context.Context, userID, platform string) error
	Resync(ctx context.Context, userID, platform string) error
}

// Server exposes the bridge service over HTTP.
type Server struct {
	svc    bridgeService
	logger *slog.Logger
}

// NewServer creates an API server over the given bridge service.
func NewServer(svc bridgeService, logger *slog.Logger) *Server {
	return &Server{
		svc:    svc,
		logger: logger.With("component", "api"),
	}
}

// RegisterRoutes attaches the API handlers to the mux. Health endpoints skip
// auth; everything else requires a valid bearer token.
func (s *Server) RegisterRoutes(mux *http.ServeMux, verifier auth.TokenVerifier) {
	mux.HandleFunc("/health", s.handleHealth)

	authMiddleware := auth.HTTPAuthMiddleware(verifier)
	mux.Handle("/api/bridges", authMiddleware(http.HandlerFunc(s.handleListBridges)))
	mux.Handle("/api/bridges/", authMiddleware(http.HandlerFunc(s.handleBridgeRoutes)))
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListBridges handles GET /api/bridges requests.
func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	bridges, err := s.svc.List(r.Context(), userID)
	if err != nil {
		s.logger.Error("failed to list bridges", "user_id", userID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ListBridgesResponse{Bridges: make([]BridgeInfo, len(bridges))}
	for i, b := range bridges {
		response.Bridges[i] = BridgeInfo{
			Platform:  b.Platform,
			Status:    b.Status,
			RoomID:    b.RoomID,
			CreatedAt: b.CreatedAt.Format(time.RFC3339),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleBridgeRoutes dispatches /api/bridges/{platform}/{action} requests.
func (s *Server) handleBridgeRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/bridges/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		s.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}
	platform, action := parts[0], parts[1]

	switch action {
	case "connect":
		s.handleConnect(w, r, platform)
	case "status":
		s.handleStatus(w, r, platform)
	case "disconnect":
		s.handleDisconnect(w, r, platform)
	case "resync":
		s.handleResync(w, r, platform)
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown action")
	}
}

// handleConnect handles POST /api/bridges/{platform}/connect requests.
// The handshake runs synchronously; login confirmation continues in the
// background after the response is sent.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, platform string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ConnectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	userID := auth.UserIDFromContext(r.Context())
	result, err := s.svc.Connect(r.Context(), userID, platform, req.Payload)
	if err != nil {
		s.sendBridgeError(w, userID, platform, err)
		return
	}

	response := ConnectResponse{
		Platform:    platform,
		Status:      result.Status,
		LoginURL:    result.LoginURL,
		PairingCode: result.PairingCode,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(response)
}

// handleStatus handles GET /api/bridges/{platform}/status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, platform string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	result, err := s.svc.Status(r.Context(), userID, platform)
	if err != nil {
		s.sendBridgeError(w, userID, platform, err)
		return
	}

	response := StatusResponse{
		Platform:  platform,
		Connected: result.Connected,
		Status:    result.Status,
	}
	if result.CreatedAt != nil {
		response.CreatedAt = result.CreatedAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleDisconnect handles POST /api/bridges/{platform}/disconnect requests.
// Disconnecting an already-disconnected bridge succeeds.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, platform string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	if err := s.svc.Disconnect(r.Context(), userID, platform); err != nil {
		s.sendBridgeError(w, userID, platform, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"platform": platform, "status": "disconnected"})
}

// handleResync handles POST /api/bridges/{platform}/resync requests.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request, platform string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := auth.UserIDFromContext(r.Context())
	if err := s.svc.Resync(r.Context(), userID, platform); err != nil {
		s.sendBridgeError(w, userID, platform, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"platform": platform, "status": "resyncing"})
}

// sendBridgeError maps bridge service errors onto HTTP status codes.
func (s *Server) sendBridgeError(w http.ResponseWriter, userID, platform string, err error) {
	var loginFailed *bridge.LoginFailedError
	var exhausted *bridge.CryptoConflictExhaustedError

	switch {
	case errors.Is(err, bridge.ErrUnknownPlatform):
		s.sendJSONError(w, http.StatusBadRequest, "unknown platform: "+platform)
	case errors.Is(err, bridge.ErrConnectInFlight):
		s.sendJSONError(w, http.StatusConflict, "connect already in progress")
	case errors.Is(err, bridge.ErrNotConnected):
		s.sendJSONError(w, http.StatusNotFound, "bridge not connected")
	case errors.Is(err, bridge.ErrBotJoinTimeout):
		s.sendJSONError(w, http.StatusBadGateway, "bridge bot did not join")
	case errors.Is(err, bridge.ErrLoginTimeout):
		s.sendJSONError(w, http.StatusGatewayTimeout, "login timed out")
	case errors.As(err, &loginFailed):
		s.sendJSONError(w, http.StatusUnprocessableEntity, loginFailed.Error())
	case errors.As(err, &exhausted):
		s.sendJSONError(w, http.StatusBadGateway, exhausted.Error())
	default:
		s.logger.Error("bridge operation failed", "user_id", userID, "platform", platform, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
