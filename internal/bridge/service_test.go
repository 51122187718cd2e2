// ABOUTME: Lifecycle tests for the bridge service
// ABOUTME: Covers connect/monitor/status/disconnect, retries, and teardown races

package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bridge-gateway/internal/matrix"
	"github.com/2389/bridge-gateway/internal/store"
)

const eventually = 2 * time.Second

func TestConnect_WhatsAppLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.messagesFn = botSays(env.clock, "@whatsappbot:example.com",
			"Input the pairing code ABCD-1234 in your WhatsApp app",
			"Successfully logged in as +15551234567",
		)
	}

	result, err := env.svc.Connect(ctx, "user-1", "whatsapp", "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, result.Status)
	assert.Equal(t, "ABCD-1234", result.PairingCode)
	assert.Empty(t, result.LoginURL)

	// Record is visible as connecting or already flipped by the monitor
	status, err := env.svc.Status(ctx, "user-1", "whatsapp")
	require.NoError(t, err)
	assert.Contains(t, []string{StatusConnecting, StatusConnected}, status.Status)

	assert.Eventually(t, func() bool {
		s, err := env.svc.Status(ctx, "user-1", "whatsapp")
		return err == nil && s.Connected
	}, eventually, 5*time.Millisecond)

	assert.True(t, env.svc.syncs.Running("user-1"))

	// Cancel, then login directive with the phone number
	bodies := env.client("user-1", 0).sentBodies()
	require.NotEmpty(t, bodies)
	assert.Equal(t, "!wa cancel", bodies[0])
	assert.Contains(t, bodies, "!wa login phone +15551234567")

	// Post-connect portal syncs are fired eventually
	assert.Eventually(t, func() bool {
		sent := env.client("user-1", 0).sentBodies()
		return contains(sent, "!wa sync contacts --create-portals") &&
			contains(sent, "!wa sync groups --create-portals")
	}, eventually, 5*time.Millisecond)
}

func TestConnect_TelegramLoginURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.messagesFn = botSays(env.clock, "@telegrambot:example.com",
			"Please [log in](https://telegram.example/login/abc123) to continue",
			"Logged in",
		)
	}

	result, err := env.svc.Connect(ctx, "user-1", "telegram", "")
	require.NoError(t, err)
	assert.Equal(t, "https://telegram.example/login/abc123", result.LoginURL)

	assert.Eventually(t, func() bool {
		s, err := env.svc.Status(ctx, "user-1", "telegram")
		return err == nil && s.Connected
	}, eventually, 5*time.Millisecond)

	// Monitor keep-alive prods the bot at least once per tick
	assert.Contains(t, env.client("user-1", 0).sentBodies(), "login")
}

func TestConnect_SignalQRMediaURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.messagesFn = func(string, int) []matrix.Message {
			return []matrix.Message{
				{Sender: "@signalbot:example.com", MediaURL: "mxc://example.com/qrcode123", Timestamp: env.clock.Now()},
				{Sender: "@signalbot:example.com", Body: "Successfully logged in", Timestamp: env.clock.Now()},
			}
		}
	}

	result, err := env.svc.Connect(ctx, "user-1", "signal", "")
	require.NoError(t, err)
	assert.Equal(t, "mxc://example.com/qrcode123", result.LoginURL)
}

func TestConnect_MessengerPayloadSentSeparately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.messagesFn = botSays(env.clock, "@messengerbot:example.com", "successful login")
	}

	_, err := env.svc.Connect(ctx, "user-1", "messenger", "curl 'https://example' -H 'cookie: abc'")
	require.NoError(t, err)

	bodies := env.client("user-1", 0).sentBodies()
	idx := indexOf(bodies, "login messenger")
	require.GreaterOrEqual(t, idx, 0)
	require.Greater(t, len(bodies), idx+1)
	assert.Equal(t, "curl 'https://example' -H 'cookie: abc'", bodies[idx+1])
}

func TestConnect_UnknownPlatform(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Connect(context.Background(), "user-1", "irc", "")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestConnect_RejectsSecondWhileInFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gate := make(chan struct{})
	env.configure = func(c *fakeClient) {
		c.joinGate = gate
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.svc.Connect(ctx, "user-1", "whatsapp", "+1555")
	}()

	// Wait until the first connect is registered as in flight
	require.Eventually(t, func() bool {
		env.svc.mu.Lock()
		defer env.svc.mu.Unlock()
		_, busy := env.svc.inflight[pairKey{"user-1", "whatsapp"}]
		return busy
	}, eventually, time.Millisecond)

	_, err := env.svc.Connect(ctx, "user-1", "whatsapp", "+1555")
	assert.ErrorIs(t, err, ErrConnectInFlight)

	close(gate)
	wg.Wait()
}

func TestConnect_BotJoinTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.joinAfterPolls = -1
	}

	_, err := env.svc.Connect(ctx, "user-7", "messenger", "payload")
	require.ErrorIs(t, err, ErrBotJoinTimeout)

	_, err = env.store.GetBridge(ctx, "user-7", "messenger")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConnect_CryptoConflictRecovered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var created int
	env.configure = func(c *fakeClient) {
		created++
		if created <= 2 {
			c.createRoomErrs = []error{conflictErr()}
		}
		c.messagesFn = botSays(env.clock, "@whatsappbot:example.com",
			"pairing code ABCD-1234",
			"Successfully logged in as +1555",
		)
	}

	result, err := env.svc.Connect(ctx, "user-1", "whatsapp", "+1555")
	require.NoError(t, err)
	assert.Equal(t, StatusConnecting, result.Status)

	// Two conflicts mean exactly two session clears and three clients total
	assert.Equal(t, 2, env.sessions.clearCount("user-1"))
	assert.Equal(t, 3, env.clientCount("user-1"))

	assert.Eventually(t, func() bool {
		s, err := env.svc.Status(ctx, "user-1", "whatsapp")
		return err == nil && s.Connected
	}, eventually, 5*time.Millisecond)
}

func TestConnect_CryptoConflictExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.createRoomErrs = []error{conflictErr()}
	}

	_, err := env.svc.Connect(ctx, "user-1", "whatsapp", "+1555")
	var exhausted *CryptoConflictExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	_, err = env.store.GetBridge(ctx, "user-1", "whatsapp")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMonitor_FailureDeletesRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.messagesFn = botSays(env.clock, "@whatsappbot:example.com",
			"pairing code ABCD-1234",
			"Authentication failed: invalid code",
		)
	}

	_, err := env.svc.Connect(ctx, "user-1", "whatsapp", "+1555")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := env.store.GetBridge(ctx, "user-1", "whatsapp")
		return errors.Is(err, store.ErrNotFound)
	}, eventually, 5*time.Millisecond)
}

func TestMonitor_TimeoutDeletesRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Bot joins but never confirms; the fake clock advances each tick so
	// the budget drains without real waiting. Artifact-free platform keeps
	// the handshake from polling for a reply.
	env.configure = func(c *fakeClient) {
		c.messagesFn = nil
	}

	_, err := env.svc.Connect(ctx, "user-1", "messenger", "payload")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := env.store.GetBridge(ctx, "user-1", "messenger")
		return errors.Is(err, store.ErrNotFound)
	}, eventually, 5*time.Millisecond)
}

func TestStatus_NotConnected(t *testing.T) {
	env := newTestEnv(t)

	status, err := env.svc.Status(context.Background(), "user-1", "whatsapp")
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Equal(t, StatusNotConnected, status.Status)
	assert.Nil(t, status.CreatedAt)
}

func TestDisconnect_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.Disconnect(ctx, "user-1", "whatsapp"))
	require.NoError(t, env.svc.Disconnect(ctx, "user-1", "whatsapp"))
}

func connectAndWait(t *testing.T, env *testEnv, userID, platform, payload string) {
	t.Helper()
	_, err := env.svc.Connect(context.Background(), userID, platform, payload)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := env.svc.Status(context.Background(), userID, platform)
		return err == nil && s.Connected
	}, eventually, 5*time.Millisecond)
}

func TestDisconnect_LastBridgeReleasesResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.messagesFn = func(string, int) []matrix.Message {
			return []matrix.Message{
				{Sender: "@whatsappbot:example.com", Body: "pairing code ABCD-1234", Timestamp: env.clock.Now()},
				{Sender: "@whatsappbot:example.com", Body: "Successfully logged in as +1555", Timestamp: env.clock.Now()},
				{Sender: "@messengerbot:example.com", Body: "successful login", Timestamp: env.clock.Now()},
			}
		}
	}

	connectAndWait(t, env, "user-1", "whatsapp", "+1555")
	connectAndWait(t, env, "user-1", "messenger", "payload")

	require.NoError(t, env.svc.Disconnect(ctx, "user-1", "whatsapp"))

	// Messenger still connected: client and sync loop must survive
	assert.True(t, env.svc.syncs.Running("user-1"))
	assert.Equal(t, 1, env.svc.cache.Len())

	// Cleanup directives went out for whatsapp
	assert.Contains(t, env.client("user-1", 0).sentBodies(), "!wa logout")

	require.NoError(t, env.svc.Disconnect(ctx, "user-1", "messenger"))

	assert.False(t, env.svc.syncs.Running("user-1"))
	assert.Equal(t, 0, env.svc.cache.Len())
	assert.True(t, env.client("user-1", 0).closed)
}

func TestDisconnect_CancelsPendingMonitor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Bot never confirms; monitor stays in AwaitingConfirmation. Use a
	// large override budget so the fake clock can't drain it mid-test.
	env.svc.cfg.MonitorBudget = 24 * time.Hour
	env.configure = func(c *fakeClient) {
		c.messagesFn = nil
	}

	_, err := env.svc.Connect(ctx, "user-1", "messenger", "payload")
	require.NoError(t, err)

	require.NoError(t, env.svc.Disconnect(ctx, "user-1", "messenger"))

	_, err = env.store.GetBridge(ctx, "user-1", "messenger")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Monitor cancellation is observed and the record never reappears
	assert.Eventually(t, func() bool {
		env.svc.mu.Lock()
		defer env.svc.mu.Unlock()
		return len(env.svc.monitors) == 0
	}, eventually, 5*time.Millisecond)

	_, err = env.store.GetBridge(ctx, "user-1", "messenger")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConnect_ReconnectSupersedesPendingMonitor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// First attempt never confirms and would watch its room for a long time.
	env.svc.cfg.MonitorBudget = 24 * time.Hour
	env.configure = func(c *fakeClient) {
		c.messagesFn = nil
	}

	_, err := env.svc.Connect(ctx, "user-1", "messenger", "payload")
	require.NoError(t, err)
	first, err := env.store.GetBridge(ctx, "user-1", "messenger")
	require.NoError(t, err)

	// Second attempt confirms; the stale monitor must not touch its record.
	client := env.client("user-1", 0)
	client.mu.Lock()
	client.messagesFn = botSays(env.clock, "@messengerbot:example.com", "successful login")
	client.mu.Unlock()

	_, err = env.svc.Connect(ctx, "user-1", "messenger", "payload")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s, err := env.svc.Status(ctx, "user-1", "messenger")
		return err == nil && s.Connected
	}, eventually, 5*time.Millisecond)

	record, err := env.store.GetBridge(ctx, "user-1", "messenger")
	require.NoError(t, err)
	assert.NotEqual(t, first.RoomID, record.RoomID)

	assert.Eventually(t, func() bool {
		env.svc.mu.Lock()
		defer env.svc.mu.Unlock()
		return len(env.svc.monitors) == 0
	}, eventually, 5*time.Millisecond)
}

func TestCompleteConnect_DropsStaleTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	client, err := env.svc.cache.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)

	// No record exists: a monitor finishing after a disconnect must not
	// resurrect one.
	p, _ := Lookup("whatsapp")
	env.svc.completeConnect(pairKey{"user-1", "whatsapp"}, p, "!dead-room:example.com", client)

	_, err = env.store.GetBridge(ctx, "user-1", "whatsapp")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, env.svc.syncs.Running("user-1"))
}

func TestConnect_ConcurrentUsersIsolated(t *testing.T) {
	env := newTestEnv(t)

	env.configure = func(c *fakeClient) {
		c.messagesFn = botSays(env.clock, "@messengerbot:example.com", "successful login")
	}

	var wg sync.WaitGroup
	for _, user := range []string{"user-a", "user-b"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, err := env.svc.Connect(context.Background(), u, "messenger", "payload")
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	assert.Equal(t, 1, env.clientCount("user-a"))
	assert.Equal(t, 1, env.clientCount("user-b"))

	for _, user := range []string{"user-a", "user-b"} {
		assert.Eventually(t, func() bool {
			s, err := env.svc.Status(context.Background(), user, "messenger")
			return err == nil && s.Connected
		}, eventually, 5*time.Millisecond)
	}
}

func TestResync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.svc.Resync(ctx, "user-1", "whatsapp")
	assert.ErrorIs(t, err, ErrNotConnected)

	env.configure = func(c *fakeClient) {
		c.messagesFn = botSays(env.clock, "@whatsappbot:example.com",
			"pairing code ABCD-1234", "Successfully logged in as +1555")
	}
	connectAndWait(t, env, "user-1", "whatsapp", "+1555")

	require.NoError(t, env.svc.Resync(ctx, "user-1", "whatsapp"))

	bodies := env.client("user-1", 0).sentBodies()
	assert.GreaterOrEqual(t, count(bodies, "!wa sync contacts --create-portals"), 1)
}

func TestRestoreActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	now := env.clock.Now()
	require.NoError(t, env.store.UpsertBridge(ctx, &store.Bridge{
		UserID:         "user-1",
		Platform:       "whatsapp",
		RoomID:         "!room:example.com",
		Status:         store.StatusConnected,
		CreatedAt:      now,
		LastSeenOnline: now,
	}))

	require.NoError(t, env.svc.RestoreActive(ctx))

	assert.Equal(t, 1, env.clientCount("user-1"))
	assert.True(t, env.svc.syncs.Running("user-1"))
}

func TestRelay_DeliversInboundAndTracksBot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.messagesFn = botSays(env.clock, "@whatsappbot:example.com",
			"pairing code ABCD-1234", "Successfully logged in as +1555")
	}
	connectAndWait(t, env, "user-1", "whatsapp", "+1555")

	client := env.client("user-1", 0)
	record, err := env.store.GetBridge(ctx, "user-1", "whatsapp")
	require.NoError(t, err)

	client.mu.Lock()
	handler := client.handler
	client.mu.Unlock()
	require.NotNil(t, handler)

	// Inbound contact message is relayed downstream
	handler(ctx, record.RoomID, "@whatsapp_155512345:example.com", "hey there")
	events := env.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].UserID)
	assert.Equal(t, "whatsapp", events[0].Platform)
	assert.Equal(t, "hey there", events[0].Body)

	// Bot announcing session loss flips the record to disconnected
	handler(ctx, record.RoomID, "@whatsappbot:example.com", "You were logged out from your phone")
	status, err := env.svc.Status(ctx, "user-1", "whatsapp")
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Equal(t, StatusDisconnected, status.Status)
	assert.Len(t, env.sink.all(), 1)
}

func TestDisconnect_SparesClientOfInflightConnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The user's only persisted bridge; the messenger connect below shares
	// its client.
	now := env.clock.Now()
	require.NoError(t, env.store.UpsertBridge(ctx, &store.Bridge{
		UserID:         "user-1",
		Platform:       "whatsapp",
		RoomID:         "!wa:example.com",
		Status:         store.StatusConnected,
		CreatedAt:      now,
		LastSeenOnline: now,
	}))

	gate := make(chan struct{})
	env.configure = func(c *fakeClient) {
		c.joinGate = gate
		c.messagesFn = botSays(env.clock, "@messengerbot:example.com", "successful login")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := env.svc.Connect(ctx, "user-1", "messenger", "payload")
		assert.NoError(t, err)
	}()

	// Wait until the handshake is registered and holding the client
	require.Eventually(t, func() bool {
		env.svc.mu.Lock()
		defer env.svc.mu.Unlock()
		_, busy := env.svc.inflight[pairKey{"user-1", "messenger"}]
		return busy
	}, eventually, time.Millisecond)
	require.Eventually(t, func() bool {
		return env.svc.cache.Len() == 1
	}, eventually, time.Millisecond)

	// Tearing down the last persisted bridge must not close the client the
	// handshake is sitting on
	require.NoError(t, env.svc.Disconnect(ctx, "user-1", "whatsapp"))
	assert.Equal(t, 1, env.svc.cache.Len())
	assert.False(t, env.client("user-1", 0).isClosed())

	close(gate)
	wg.Wait()

	assert.Eventually(t, func() bool {
		s, err := env.svc.Status(ctx, "user-1", "messenger")
		return err == nil && s.Connected
	}, eventually, 5*time.Millisecond)
	assert.True(t, env.svc.syncs.Running("user-1"))
}

func TestMonitor_ClientGoneDropsRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Record persisted but the client is no longer cached: the monitor can
	// never confirm, so it must not strand the pair at connecting.
	now := env.clock.Now()
	require.NoError(t, env.store.UpsertBridge(ctx, &store.Bridge{
		UserID:         "user-1",
		Platform:       "messenger",
		RoomID:         "!room:example.com",
		Status:         StatusConnecting,
		CreatedAt:      now,
		LastSeenOnline: now,
	}))

	p, _ := Lookup("messenger")
	env.svc.monitorsDone.Add(1)
	env.svc.runMonitor(context.Background(), pairKey{"user-1", "messenger"},
		&monitorHandle{cancel: func() {}}, p, "@messengerbot:example.com", "!room:example.com")

	_, err := env.store.GetBridge(ctx, "user-1", "messenger")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRelay_PortalRoomTraffic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.configure = func(c *fakeClient) {
		c.messagesFn = botSays(env.clock, "@whatsappbot:example.com",
			"pairing code ABCD-1234", "Successfully logged in as +1555")
	}
	connectAndWait(t, env, "user-1", "whatsapp", "+1555")

	client := env.client("user-1", 0)
	client.mu.Lock()
	handler := client.handler
	client.mu.Unlock()
	require.NotNil(t, handler)

	// A contact's message in a portal room reaches the sink even though the
	// room is not in the registry
	handler(ctx, "!portal-abc:example.com", "@whatsapp_15559876:example.com", "hello from a contact")
	events := env.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].UserID)
	assert.Equal(t, "whatsapp", events[0].Platform)
	assert.Equal(t, "!portal-abc:example.com", events[0].RoomID)
	assert.Equal(t, "hello from a contact", events[0].Body)

	// Ghost senders for platforms the user has no bridge on are dropped
	handler(ctx, "!portal-tg:example.com", "@telegram_4242:example.com", "stray")
	// Bot chatter outside the management room is not chat traffic
	handler(ctx, "!portal-xyz:example.com", "@whatsappbot:example.com", "sync complete")
	// Senders with no recognizable ghost prefix are dropped
	handler(ctx, "!random:example.com", "@alice:example.com", "hi")
	assert.Len(t, env.sink.all(), 1)
}

func contains(list []string, want string) bool {
	return indexOf(list, want) >= 0
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}

func count(list []string, want string) int {
	n := 0
	for _, s := range list {
		if s == want {
			n++
		}
	}
	return n
}
