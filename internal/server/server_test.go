package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/market-chat/internal/abuse"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/presence"
	"github.com/npezzotti/market-chat/internal/stats"
	"github.com/npezzotti/market-chat/internal/testutil"
	"github.com/npezzotti/market-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChatServerRequiresStores(t *testing.T) {
	logger := testutil.TestLogger(t)
	_, client := testutil.TestRedis(t)
	vs := abuse.NewRedisViolationStore(client)
	engine := abuse.NewEngine(abuse.NewRedisStateStore(client, ""), vs, logger)

	tcases := []struct {
		name string
		svc  Services
	}{
		{name: "no presence", svc: Services{Abuse: engine, Violations: vs}},
		{name: "no abuse engine", svc: Services{Presence: presence.NewRedisStore(client, ""), Violations: vs}},
		{name: "no violation store", svc: Services{Presence: presence.NewRedisStore(client, ""), Abuse: engine}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs, err := NewChatServer(logger, database.NewMemoryChatRepository(), &stats.MockStatsUpdater{}, tc.svc)
			assert.Error(t, err)
			assert.Nil(t, cs)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice", types.RoleUser)

	u, err := env.cs.Authenticate(context.Background(), alice.Id)
	require.NoError(t, err)
	assert.Equal(t, alice, u)

	for _, id := range []string{"", "missing"} {
		_, err := env.cs.Authenticate(context.Background(), id)
		var ee *EventError
		require.True(t, errors.As(err, &ee), "expected an event error for %q", id)
		assert.Equal(t, KindUnauthorized, ee.Kind)
	}
}

func TestRegisterAndDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice", types.RoleUser)
	bob := env.user(t, "bob", types.RoleUser)

	watcher := env.connect(t, bob)
	c := env.connect(t, alice)

	rec, err := env.presence.GetStatus(ctx, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, types.PresenceOnline, rec.Status)
	for _, k := range []presence.Key{presence.ById(alice.Id), presence.ByUsername(alice.Username)} {
		id, err := env.presence.GetSocket(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, c.id, id, "expected %s to point at the new socket", k)
	}
	assert.True(t, env.cs.rooms.isMember(alice.Id, c), "expected client to join its user room")

	changed := expectEvent(t, watcher, EventUserStatusChanged).Data.(UserStatus)
	for changed.UserId != alice.Id {
		changed = expectEvent(t, watcher, EventUserStatusChanged).Data.(UserStatus)
	}
	assert.Equal(t, types.PresenceOnline, changed.Status)

	env.cs.disconnect(c)

	rec, err = env.presence.GetStatus(ctx, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, types.PresenceOffline, rec.Status)
	assert.False(t, rec.LastSeen.IsZero(), "expected last seen to be recorded")
	assert.Nil(t, env.cs.getClient(c.id))
	assert.Empty(t, c.roomIds())

	changed = expectEvent(t, watcher, EventUserStatusChanged).Data.(UserStatus)
	assert.Equal(t, alice.Id, changed.UserId)
	assert.Equal(t, types.PresenceOffline, changed.Status)
	require.NotNil(t, changed.LastSeen)

	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped")
	}

	// a second disconnect of the same socket is a no-op
	env.cs.disconnect(c)
}

func TestStaleDisconnectKeepsNewerSocket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice", types.RoleUser)

	first := env.connect(t, alice)
	second := env.connect(t, alice)

	env.cs.disconnect(first)

	rec, err := env.presence.GetStatus(ctx, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, types.PresenceOnline, rec.Status, "expected the stale disconnect not to flip status")

	id, err := env.presence.GetSocket(ctx, presence.ById(alice.Id))
	require.NoError(t, err)
	assert.Equal(t, second.id, id)

	id, err = env.presence.GetSocket(ctx, presence.ByUsername(alice.Username))
	require.NoError(t, err)
	assert.Equal(t, second.id, id)

	env.cs.disconnect(second)
	rec, err = env.presence.GetStatus(ctx, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, types.PresenceOffline, rec.Status)
}

func TestEnsureSystemUserIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	again, err := env.cs.EnsureSystemUser("https://cdn/system.png")
	require.NoError(t, err)
	assert.Equal(t, env.system.Id, again.Id)

	users, err := env.db.ListUsers()
	require.NoError(t, err)
	count := 0
	for _, u := range users {
		if u.IsSystem() {
			count++
		}
	}
	assert.Equal(t, 1, count, "expected exactly one system user")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("stops every client", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.connect(t, env.user(t, "alice", types.RoleUser))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, env.cs.Shutdown(ctx))

		select {
		case <-c.stop:
		default:
			t.Error("expected client to be stopped")
		}
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := &ChatServer{stop: make(chan stopReq)}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestShutdownWaitsForDisconnects(t *testing.T) {
	logger := testutil.TestLogger(t)
	_, client := testutil.TestRedis(t)
	repo := database.NewMemoryChatRepository()
	store := presence.NewRedisStore(client, "")
	vs := abuse.NewRedisViolationStore(client)

	su := stats.NewStatsUpdater(http.NewServeMux())
	su.Run()

	cs, err := NewChatServer(logger, repo, su, Services{
		Presence:   store,
		Abuse:      abuse.NewEngine(abuse.NewRedisStateStore(client, ""), vs, logger),
		Violations: vs,
	})
	require.NoError(t, err)
	go cs.Run()

	alice, err := repo.UpsertUser(database.UpsertUserParams{Username: "alice"})
	require.NoError(t, err)

	connected := make(chan *Client, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c, err := cs.Connect(context.Background(), alice, conn)
		if err != nil {
			conn.Close()
			return
		}
		connected <- c
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	var c *Client
	select {
	case c = <-connected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	assert.Nil(t, cs.getClient(c.id), "expected client to be unregistered once shutdown returns")
	rec, err := store.GetStatus(ctx, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, types.PresenceOffline, rec.Status, "expected offline status to be written before shutdown returns")

	// nothing may update counters after shutdown
	assert.NotPanics(t, su.Stop)
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t, env.user(t, "alice", types.RoleUser))

	t.Run("unknown event", func(t *testing.T) {
		env.emit(t, c, "doesNotExist", nil)
		payload := expectError(t, c)
		assert.Equal(t, string(KindValidation), payload.Type)
	})

	t.Run("malformed data", func(t *testing.T) {
		env.cs.dispatch(c, &ClientMessage{Event: EventSendMessage, Data: json.RawMessage(`{"conversationId": 5}`)})
		payload := expectError(t, c)
		assert.Equal(t, string(KindValidation), payload.Type)
	})

	t.Run("internal errors are not exposed", func(t *testing.T) {
		env.cs.handlers["explode"] = func(context.Context, *Client, json.RawMessage) error {
			return errors.New("connection reset by peer")
		}
		env.emit(t, c, "explode", nil)
		payload := expectError(t, c)
		assert.Equal(t, string(KindInternal), payload.Type)
		assert.Equal(t, genericErrorMessage, payload.Message)
	})

	t.Run("panics are recovered", func(t *testing.T) {
		env.cs.handlers["panic"] = func(context.Context, *Client, json.RawMessage) error {
			panic("boom")
		}
		env.emit(t, c, "panic", nil)
		payload := expectError(t, c)
		assert.Equal(t, string(KindInternal), payload.Type)
	})
}
