// ABOUTME: Bridge lifecycle service: connect, monitor, status, resync, disconnect
// ABOUTME: Coordinates cache, registry, monitors, and sync loops per user

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/bridge-gateway/internal/matrix"
	"github.com/2389/bridge-gateway/internal/relay"
	"github.com/2389/bridge-gateway/internal/store"
)

// Bridge statuses surfaced to callers.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = store.StatusConnected
	StatusDisconnected = "disconnected"
	StatusNotConnected = "not_connected"
)

// ErrNotConnected is returned by Resync when no bridge exists for the pair.
var ErrNotConnected = errors.New("bridge not connected")

// BotDirectory resolves the bridge bot Matrix ID for a platform.
type BotDirectory interface {
	BotUserID(platform string) string
}

// ConnectResult is returned to the caller after a successful handshake.
type ConnectResult struct {
	Status      string
	LoginURL    string
	PairingCode string
}

// StatusResult describes one (user, platform) pair's connection state.
type StatusResult struct {
	Connected bool
	Status    string
	CreatedAt *time.Time
}

// ServiceConfig carries optional timing overrides for the monitor.
type ServiceConfig struct {
	// MonitorBudget overrides the per-platform confirmation budget when set.
	// Platforms needing out-of-band login get double.
	MonitorBudget time.Duration
	// MonitorTick overrides the confirmation poll interval when set.
	MonitorTick time.Duration
}

type pairKey struct {
	userID   string
	platform string
}

// monitorHandle identifies one spawned monitor so a superseded monitor's
// cleanup can't remove its replacement's registry entry.
type monitorHandle struct {
	cancel context.CancelFunc
}

// Service is the bridge connection lifecycle manager. Operations on different
// (user, platform) pairs run concurrently; a second connect for a pair with
// one in flight is rejected with ErrConnectInFlight.
type Service struct {
	store     store.Store
	cache     *ClientCache
	sessions  SessionStore
	connector *Connector
	monitor   *Monitor
	syncs     *SyncManager
	bots      BotDirectory
	sink      relay.Sink
	clock     Clock
	cfg       ServiceConfig
	logger    *slog.Logger

	// baseCtx parents all background tasks (monitors, sync loops) so they
	// outlive the originating HTTP request but die with the service.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	inflight  map[pairKey]struct{}
	monitors  map[pairKey]*monitorHandle
	relayed   map[string]bool
	userLocks map[string]*sync.Mutex

	monitorsDone sync.WaitGroup
}

// NewService wires up a bridge lifecycle service.
func NewService(st store.Store, cache *ClientCache, sessions SessionStore, bots BotDirectory, sink relay.Sink, clock Clock, cfg ServiceConfig, logger *slog.Logger) *Service {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     st,
		cache:     cache,
		sessions:  sessions,
		connector: NewConnector(cache, sessions, clock, logger),
		monitor:   NewMonitor(clock, logger),
		syncs:     NewSyncManager(clock, logger),
		bots:      bots,
		sink:      sink,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With("component", "bridge"),
		baseCtx:   baseCtx,
		cancel:    cancel,
		inflight:  make(map[pairKey]struct{}),
		monitors:  make(map[pairKey]*monitorHandle),
		relayed:   make(map[string]bool),
		userLocks: make(map[string]*sync.Mutex),
	}
}

// Close cancels all background monitors and sync loops.
func (s *Service) Close() {
	s.cancel()
	s.syncs.StopAll()
	s.monitorsDone.Wait()
}

// userLock returns the per-user lock serializing teardown against the
// registry count check.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

// Connect runs the control room handshake for a (user, platform) pair,
// persists a "connecting" record, and spawns the confirmation monitor. The
// returned result carries any out-of-band login artifact the caller must show
// the user.
func (s *Service) Connect(ctx context.Context, userID, platform, payload string) (*ConnectResult, error) {
	p, ok := Lookup(platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	botUserID := s.bots.BotUserID(platform)
	if botUserID == "" {
		return nil, fmt.Errorf("%w: no bridge bot configured for %s", ErrUnknownPlatform, platform)
	}

	k := pairKey{userID, platform}
	s.mu.Lock()
	if _, busy := s.inflight[k]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrConnectInFlight, userID, platform)
	}
	s.inflight[k] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, k)
		s.mu.Unlock()
	}()

	handshake, err := s.connector.Connect(ctx, userID, p, botUserID, payload)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	record := &store.Bridge{
		UserID:         userID,
		Platform:       platform,
		RoomID:         handshake.RoomID,
		Status:         StatusConnecting,
		CreatedAt:      now,
		LastSeenOnline: now,
	}

	lock := s.userLock(userID)
	lock.Lock()
	err = s.store.UpsertBridge(ctx, record)
	lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("persisting bridge record: %w", err)
	}

	mctx, mcancel := context.WithCancel(s.baseCtx)
	handle := &monitorHandle{cancel: mcancel}
	s.mu.Lock()
	// A reconnect supersedes any monitor still watching the previous room.
	if prev, pending := s.monitors[k]; pending {
		prev.cancel()
	}
	s.monitors[k] = handle
	s.mu.Unlock()
	s.monitorsDone.Add(1)
	go s.runMonitor(mctx, k, handle, p, botUserID, handshake.RoomID)

	s.logger.Info("bridge connecting", "user_id", userID, "platform", platform, "room", handshake.RoomID)
	return &ConnectResult{
		Status:      StatusConnecting,
		LoginURL:    handshake.LoginURL,
		PairingCode: handshake.PairingCode,
	}, nil
}

// monitorParams applies configured overrides to the platform's monitor timing.
func (s *Service) monitorParams(p *Platform) *Platform {
	if s.cfg.MonitorBudget == 0 && s.cfg.MonitorTick == 0 {
		return p
	}
	mp := *p
	if s.cfg.MonitorBudget > 0 {
		mp.MonitorBudget = s.cfg.MonitorBudget
		if p.Artifact == ArtifactURL || p.Artifact == ArtifactMediaURL {
			// Out-of-band login needs time for the user to act.
			mp.MonitorBudget = 2 * s.cfg.MonitorBudget
		}
	}
	if s.cfg.MonitorTick > 0 {
		mp.MonitorTick = s.cfg.MonitorTick
	}
	return &mp
}

func (s *Service) runMonitor(ctx context.Context, k pairKey, handle *monitorHandle, p *Platform, botUserID, roomID string) {
	defer s.monitorsDone.Done()
	defer func() {
		s.mu.Lock()
		if s.monitors[k] == handle {
			delete(s.monitors, k)
		}
		s.mu.Unlock()
	}()

	client, ok := s.cache.Get(k.userID)
	if !ok {
		// Client evicted between handshake and monitor start. The record can
		// never confirm without one, so drop it rather than strand the pair
		// at "connecting" forever.
		s.logger.Warn("client gone before monitor start",
			"user_id", k.userID, "platform", k.platform)
		s.deleteIfCurrent(k, roomID)
		return
	}

	err := s.monitor.Run(ctx, client, s.monitorParams(p), roomID, botUserID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("bridge confirmation failed",
			"user_id", k.userID, "platform", k.platform, "error", err)
		s.deleteIfCurrent(k, roomID)
		return
	}

	s.completeConnect(k, p, roomID, client)
}

// deleteIfCurrent removes the record only while it still points at the room
// this monitor watched, so a superseding reconnect's record survives.
func (s *Service) deleteIfCurrent(k pairKey, roomID string) {
	ctx := s.baseCtx
	lock := s.userLock(k.userID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.store.GetBridge(ctx, k.userID, k.platform)
	if err != nil || record.RoomID != roomID {
		return
	}
	if err := s.store.DeleteBridge(ctx, k.userID, k.platform); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("deleting failed bridge record", "user_id", k.userID, "error", err)
	}
}

// completeConnect flips the record to connected and wires up sync + relay.
// If the record vanished or was replaced while the monitor ran, a disconnect
// won the race and the transition is dropped.
func (s *Service) completeConnect(k pairKey, p *Platform, roomID string, client matrix.Client) {
	ctx := s.baseCtx
	lock := s.userLock(k.userID)
	lock.Lock()

	record, err := s.store.GetBridge(ctx, k.userID, k.platform)
	if errors.Is(err, store.ErrNotFound) || (err == nil && record.RoomID != roomID) {
		lock.Unlock()
		s.logger.Info("dropping stale connected transition", "user_id", k.userID, "platform", k.platform)
		return
	}
	if err != nil {
		lock.Unlock()
		s.logger.Error("loading bridge record", "user_id", k.userID, "error", err)
		return
	}

	record.Status = StatusConnected
	record.LastSeenOnline = s.clock.Now().UTC()
	if err := s.store.UpsertBridge(ctx, record); err != nil {
		lock.Unlock()
		s.logger.Error("updating bridge record", "user_id", k.userID, "error", err)
		return
	}

	s.attachRelay(k.userID, client)
	s.syncs.EnsureRunning(s.baseCtx, k.userID, client)
	lock.Unlock()

	s.logger.Info("bridge connected", "user_id", k.userID, "platform", k.platform)

	if len(p.PostConnectDirectives) > 0 {
		go s.sendDirectives(s.baseCtx, client, roomID, p.PostConnectDirectives)
	}
}

// attachRelay registers the inbound message handler once per cached client.
func (s *Service) attachRelay(userID string, client matrix.Client) {
	s.mu.Lock()
	if s.relayed[userID] {
		s.mu.Unlock()
		return
	}
	s.relayed[userID] = true
	s.mu.Unlock()

	selfID := client.UserID()
	client.OnMessage(func(ctx context.Context, roomID, sender, body string) {
		if sender == selfID {
			return
		}
		s.handleRoomMessage(userID, roomID, sender, body)
	})
}

// handleRoomMessage routes a synced message. Bot chatter in a management room
// updates bridge bookkeeping; everything else, management or portal, is
// relayed downstream.
func (s *Service) handleRoomMessage(userID, roomID, sender, body string) {
	ctx := s.baseCtx
	bridges, err := s.store.ListBridges(ctx, userID)
	if err != nil {
		s.logger.Warn("listing bridges for inbound message", "user_id", userID, "error", err)
		return
	}

	for _, b := range bridges {
		if b.RoomID != roomID {
			continue
		}
		if sender == s.bots.BotUserID(b.Platform) {
			s.handleBotMessage(ctx, b, body)
			return
		}
		s.deliver(ctx, userID, b.Platform, roomID, sender, body)
		return
	}

	// Not a management room, so this is portal traffic: a contact's message
	// arriving through one of the user's bridges. The registry doesn't track
	// portal rooms; infer the network from the ghost sender instead.
	platform, ok := InferPlatform(sender)
	if !ok {
		return
	}
	if sender == s.bots.BotUserID(platform) {
		// Bot chatter outside the management room isn't chat traffic.
		return
	}
	for _, b := range bridges {
		if b.Platform == platform {
			s.deliver(ctx, userID, platform, roomID, sender, body)
			return
		}
	}
	s.logger.Debug("portal message for unbridged platform dropped",
		"user_id", userID, "platform", platform, "room", roomID)
}

func (s *Service) deliver(ctx context.Context, userID, platform, roomID, sender, body string) {
	s.sink.Deliver(ctx, relay.Event{
		UserID:   userID,
		Platform: platform,
		RoomID:   roomID,
		Sender:   sender,
		Body:     body,
		At:       s.clock.Now(),
	})
}

// handleBotMessage updates liveness bookkeeping from unsolicited bot replies.
// A bot announcing a dropped session flips the record to disconnected so
// status reflects reality before the user notices.
func (s *Service) handleBotMessage(ctx context.Context, b *store.Bridge, body string) {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "logged out") || strings.Contains(lower, "disconnected") {
		s.logger.Warn("bridge reported session loss", "user_id", b.UserID, "platform", b.Platform, "reply", body)
		b.Status = StatusDisconnected
		if err := s.store.UpsertBridge(ctx, b); err != nil {
			s.logger.Error("marking bridge disconnected", "user_id", b.UserID, "error", err)
		}
		return
	}
	if err := s.store.UpdateBridgeLastSeen(ctx, b.UserID, b.Platform, s.clock.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("updating last seen", "user_id", b.UserID, "error", err)
	}
}

// Status reports the connection state for a (user, platform) pair. A pair
// with no record reports not_connected rather than an error.
func (s *Service) Status(ctx context.Context, userID, platform string) (*StatusResult, error) {
	if _, ok := Lookup(platform); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	record, err := s.store.GetBridge(ctx, userID, platform)
	if errors.Is(err, store.ErrNotFound) {
		return &StatusResult{Connected: false, Status: StatusNotConnected}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading bridge record: %w", err)
	}

	createdAt := record.CreatedAt
	return &StatusResult{
		Connected: record.Status == StatusConnected,
		Status:    record.Status,
		CreatedAt: &createdAt,
	}, nil
}

// List returns all bridge records for a user.
func (s *Service) List(ctx context.Context, userID string) ([]*store.Bridge, error) {
	return s.store.ListBridges(ctx, userID)
}

// Disconnect tears down a bridge: cancels any pending monitor, sends cleanup
// directives best-effort, deletes the record, and releases the user's client
// and sync loop when no bridges remain and no connect is mid-handshake.
// Idempotent: disconnecting an absent bridge succeeds as a no-op.
func (s *Service) Disconnect(ctx context.Context, userID, platform string) error {
	p, ok := Lookup(platform)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	// Cancel a pending monitor first so a late Connected can't resurrect the
	// record we're about to delete.
	k := pairKey{userID, platform}
	s.mu.Lock()
	if handle, pending := s.monitors[k]; pending {
		handle.cancel()
		delete(s.monitors, k)
	}
	s.mu.Unlock()

	record, err := s.store.GetBridge(ctx, userID, platform)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading bridge record: %w", err)
	}

	if client, cached := s.cache.Get(userID); cached {
		s.sendDirectives(ctx, client, record.RoomID, p.CleanupDirectives)
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.DeleteBridge(ctx, userID, platform); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting bridge record: %w", err)
	}

	remaining, err := s.activeBridgeCount(ctx, userID)
	if err != nil {
		return err
	}
	if remaining == 0 && s.inflightConnects(userID) == 0 {
		s.syncs.Stop(userID)
		s.cache.Evict(userID)
		s.mu.Lock()
		delete(s.relayed, userID)
		s.mu.Unlock()
		if err := s.sessions.Clear(ctx, userID); err != nil {
			s.logger.Warn("clearing session store on teardown", "user_id", userID, "error", err)
		}
		s.logger.Info("last bridge removed, client released", "user_id", userID)
	}

	s.logger.Info("bridge disconnected", "user_id", userID, "platform", platform)
	return nil
}

// Resync re-sends the platform's sync directives to refresh portals and
// contacts. Requires an existing bridge record.
func (s *Service) Resync(ctx context.Context, userID, platform string) error {
	p, ok := Lookup(platform)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	record, err := s.store.GetBridge(ctx, userID, platform)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrNotConnected, userID, platform)
	}
	if err != nil {
		return fmt.Errorf("loading bridge record: %w", err)
	}

	client, err := s.cache.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	s.sendDirectives(ctx, client, record.RoomID, p.PostConnectDirectives)

	s.logger.Info("bridge resync requested", "user_id", userID, "platform", platform)
	return nil
}

// RestoreActive rebuilds clients, relay handlers, and sync loops for every
// connected bridge after a restart. Per-user failures are logged, not fatal.
func (s *Service) RestoreActive(ctx context.Context) error {
	bridges, err := s.store.ListActiveBridges(ctx)
	if err != nil {
		return fmt.Errorf("listing active bridges: %w", err)
	}

	for _, b := range bridges {
		client, err := s.cache.GetOrCreate(ctx, b.UserID)
		if err != nil {
			s.logger.Error("restoring client", "user_id", b.UserID, "platform", b.Platform, "error", err)
			continue
		}
		s.attachRelay(b.UserID, client)
		s.syncs.EnsureRunning(s.baseCtx, b.UserID, client)
		s.logger.Info("restored bridge", "user_id", b.UserID, "platform", b.Platform)
	}
	return nil
}

// inflightConnects counts connects mid-handshake for the user. Those hold the
// shared client before their record exists, so a last-bridge teardown must not
// evict it out from under them.
func (s *Service) inflightConnects(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.inflight {
		if k.userID == userID {
			n++
		}
	}
	return n
}

// activeBridgeCount counts the user's non-disconnected records.
func (s *Service) activeBridgeCount(ctx context.Context, userID string) (int, error) {
	bridges, err := s.store.ListBridges(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("listing bridges: %w", err)
	}
	count := 0
	for _, b := range bridges {
		if b.Status != StatusDisconnected {
			count++
		}
	}
	return count, nil
}

// sendDirectives sends each directive with a short delay between them,
// best-effort: failures are logged and the rest still go out.
func (s *Service) sendDirectives(ctx context.Context, client matrix.Client, roomID string, directives []string) {
	for i, directive := range directives {
		if i > 0 {
			if err := s.clock.Sleep(ctx, directiveDelay); err != nil {
				return
			}
		}
		if err := client.SendText(ctx, roomID, directive); err != nil {
			s.logger.Warn("directive send failed", "room", roomID, "directive", directive, "error", err)
		}
	}
}
