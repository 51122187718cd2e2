// ABOUTME: Shared test fakes for the bridge package
// ABOUTME: Fake clock, fake puppet client, session store, and service builder

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/bridge-gateway/internal/matrix"
	"github.com/2389/bridge-gateway/internal/relay"
	"github.com/2389/bridge-gateway/internal/store"
)

// fakeClock advances instantly on Sleep so poll loops and budgets resolve
// without real delays.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type sentText struct {
	roomID string
	body   string
}

// fakeClient is a scriptable matrix.Client.
type fakeClient struct {
	userID    string
	botUserID string
	clock     *fakeClock

	mu       sync.Mutex
	roomSeq  int
	invites  []string
	sent     []sentText
	closed   bool
	polls    int
	handler  matrix.MessageHandler
	syncErr  error
	syncRuns atomic.Int64

	// joinAfterPolls is how many membership polls happen before the bot
	// shows up; -1 means it never joins.
	joinAfterPolls int

	// joinGate, when set, blocks JoinedMembers until closed.
	joinGate chan struct{}

	// createRoomErrs are consumed one per CreateRoom call; nil means success.
	createRoomErrs []error

	// messagesFn scripts RecentMessages responses.
	messagesFn func(roomID string, limit int) []matrix.Message
}

func newFakeClient(userID string, clock *fakeClock) *fakeClient {
	return &fakeClient{
		userID:         userID,
		clock:          clock,
		joinAfterPolls: 2,
	}
}

func (f *fakeClient) UserID() string { return "@puppet_" + f.userID + ":example.com" }

func (f *fakeClient) CreateRoom(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createRoomErrs) > 0 {
		err := f.createRoomErrs[0]
		f.createRoomErrs = f.createRoomErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.roomSeq++
	return fmt.Sprintf("!room-%s-%d:example.com", f.userID, f.roomSeq), nil
}

func (f *fakeClient) InviteUser(ctx context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, roomID+"|"+userID)
	f.botUserID = userID
	return nil
}

func (f *fakeClient) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	f.mu.Lock()
	gate := f.joinGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	members := []string{f.UserID()}
	if f.joinAfterPolls >= 0 && f.polls > f.joinAfterPolls {
		members = append(members, f.botUserID)
	}
	return members, nil
}

func (f *fakeClient) SendText(ctx context.Context, roomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{roomID: roomID, body: text})
	return nil
}

func (f *fakeClient) RecentMessages(ctx context.Context, roomID string, limit int) ([]matrix.Message, error) {
	f.mu.Lock()
	fn := f.messagesFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(roomID, limit), nil
}

func (f *fakeClient) OnMessage(handler matrix.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeClient) SyncOnce(ctx context.Context, timeout time.Duration) error {
	f.syncRuns.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncErr
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) sentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := make([]string, len(f.sent))
	for i, s := range f.sent {
		bodies[i] = s.body
	}
	return bodies
}

// botSays builds a scripted RecentMessages response from the given bot.
func botSays(clock *fakeClock, bot string, bodies ...string) func(string, int) []matrix.Message {
	return func(string, int) []matrix.Message {
		msgs := make([]matrix.Message, len(bodies))
		for i, body := range bodies {
			msgs[i] = matrix.Message{Sender: bot, Body: body, Timestamp: clock.Now()}
		}
		return msgs
	}
}

type fakeSessions struct {
	mu     sync.Mutex
	clears map[string]int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{clears: make(map[string]int)}
}

func (f *fakeSessions) Clear(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears[userID]++
	return nil
}

func (f *fakeSessions) clearCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears[userID]
}

type fakeBots struct{}

func (fakeBots) BotUserID(platform string) string {
	return "@" + platform + "bot:example.com"
}

type captureSink struct {
	mu     sync.Mutex
	events []relay.Event
}

func (c *captureSink) Deliver(ctx context.Context, evt relay.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureSink) all() []relay.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Event(nil), c.events...)
}

// testEnv bundles a service wired to fakes and a real temp-dir store.
type testEnv struct {
	store    *store.SQLiteStore
	clock    *fakeClock
	sessions *fakeSessions
	sink     *captureSink
	svc      *Service

	mu        sync.Mutex
	clients   map[string][]*fakeClient
	configure func(c *fakeClient)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		store:    st,
		clock:    newFakeClock(),
		sessions: newFakeSessions(),
		sink:     &captureSink{},
		clients:  make(map[string][]*fakeClient),
	}

	factory := func(ctx context.Context, userID string) (matrix.Client, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		c := newFakeClient(userID, env.clock)
		if env.configure != nil {
			env.configure(c)
		}
		env.clients[userID] = append(env.clients[userID], c)
		return c, nil
	}

	logger := slog.Default()
	cache := NewClientCache(factory, logger)
	env.svc = NewService(st, cache, env.sessions, fakeBots{}, env.sink, env.clock, ServiceConfig{}, logger)
	t.Cleanup(env.svc.Close)

	return env
}

// client returns the n-th client created for a user.
func (env *testEnv) client(userID string, n int) *fakeClient {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.clients[userID][n]
}

func (env *testEnv) clientCount(userID string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return len(env.clients[userID])
}

// conflictErr mimics the homeserver's one-time key collision error.
func conflictErr() error {
	return fmt.Errorf("M_UNKNOWN: One time key signed_curve25519:AAAAHg already exists")
}
