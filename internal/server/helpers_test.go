package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/npezzotti/market-chat/internal/abuse"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/identity"
	"github.com/npezzotti/market-chat/internal/presence"
	"github.com/npezzotti/market-chat/internal/stats"
	"github.com/npezzotti/market-chat/internal/testutil"
	"github.com/npezzotti/market-chat/internal/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeDirectory map[string]types.User

func (d fakeDirectory) LookupByUsername(_ context.Context, username string) (types.User, error) {
	u, ok := d[username]
	if !ok {
		return types.User{}, identity.ErrNotFound
	}
	return u, nil
}

type testEnv struct {
	cs         *ChatServer
	db         *database.MemoryChatRepository
	presence   *presence.RedisStore
	violations *abuse.RedisViolationStore
	state      *abuse.RedisStateStore
	directory  fakeDirectory
	system     types.User
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithRepo(t, nil)
}

// newTestEnvWithRepo builds a running chat server over an in-memory
// repository and an in-process Redis. repo, when given, wraps the memory
// repository.
func newTestEnvWithRepo(t *testing.T, wrap func(*database.MemoryChatRepository) database.ChatRepository) *testEnv {
	t.Helper()
	_, client := testutil.TestRedis(t)
	logger := testutil.TestLogger(t)

	mem := database.NewMemoryChatRepository()
	var repo database.ChatRepository = mem
	if wrap != nil {
		repo = wrap(mem)
	}

	env := &testEnv{
		db:         mem,
		presence:   presence.NewRedisStore(client, ""),
		violations: abuse.NewRedisViolationStore(client),
		state:      abuse.NewRedisStateStore(client, ""),
		directory:  fakeDirectory{},
	}
	engine := abuse.NewEngine(env.state, env.violations, logger)

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Times(len(metrics))
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	cs, err := NewChatServer(logger, repo, su, Services{
		Presence:   env.presence,
		Abuse:      engine,
		Violations: env.violations,
		Directory:  env.directory,
	})
	require.NoError(t, err, "expected no error creating chat server")
	env.cs = cs

	env.system, err = cs.EnsureSystemUser("")
	require.NoError(t, err, "expected no error creating system user")

	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	return env
}

func (e *testEnv) user(t *testing.T, username string, role types.Role) types.User {
	t.Helper()
	u, err := e.db.UpsertUser(database.UpsertUserParams{Username: username, Role: role})
	require.NoError(t, err)
	return u
}

// connect registers a client without a websocket; tests read what would be
// written to the socket from its send channel.
func (e *testEnv) connect(t *testing.T, user types.User) *Client {
	t.Helper()
	c := NewClient(user, nil, e.cs, e.cs.log)
	require.NoError(t, e.cs.register(context.Background(), c))
	return c
}

func (e *testEnv) emit(t *testing.T, c *Client, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	e.cs.dispatch(c, &ClientMessage{Event: event, Data: raw})
}

func (e *testEnv) privateConversation(t *testing.T, a, b types.User) types.Conversation {
	t.Helper()
	conv, _, err := e.db.GetOrCreateConversation(database.CreateConversationParams{
		Type:           types.ConversationPrivate,
		ParticipantIds: []string{a.Id, b.Id},
	})
	require.NoError(t, err)
	return conv
}

// expectEvent returns the next queued message with the given event name,
// skipping any others.
func expectEvent(t *testing.T, c *Client, event string) *ServerMessage {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if msg.Event == event {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", event)
			return nil
		}
	}
}

func expectNoEvent(t *testing.T, c *Client, event string) {
	t.Helper()
	timeout := time.After(50 * time.Millisecond)
	for {
		select {
		case msg := <-c.send:
			if msg.Event == event {
				t.Errorf("unexpected %q event: %+v", event, msg.Data)
			}
		case <-timeout:
			return
		}
	}
}

func expectError(t *testing.T, c *Client) ErrorPayload {
	t.Helper()
	msg := expectEvent(t, c, EventErr)
	payload, ok := msg.Data.(ErrorPayload)
	require.True(t, ok, "expected error payload, got %T", msg.Data)
	return payload
}

// expectMessageFrom returns the next newMessage event authored by username.
func expectMessageFrom(t *testing.T, c *Client, username string) types.Message {
	t.Helper()
	for {
		msg := expectEvent(t, c, EventNewMessage)
		m, ok := msg.Data.(types.Message)
		require.True(t, ok, "expected message payload, got %T", msg.Data)
		if m.Sender.Username == username {
			return m
		}
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}
