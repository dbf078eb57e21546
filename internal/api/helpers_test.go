package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/market-chat/internal/config"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/server"
	"github.com/npezzotti/market-chat/internal/testutil"
	"github.com/npezzotti/market-chat/internal/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	testSigningKey = []byte("test-signing-key")
	testAdminKey   = "admin-secret"
)

type MockChatGateway struct {
	mock.Mock
}

func (m *MockChatGateway) Authenticate(ctx context.Context, userId string) (types.User, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(types.User), args.Error(1)
}

func (m *MockChatGateway) Connect(ctx context.Context, user types.User, conn *websocket.Conn) (*server.Client, error) {
	args := m.Called(ctx, user, conn)
	c, _ := args.Get(0).(*server.Client)
	return c, args.Error(1)
}

func (m *MockChatGateway) Notify(ctx context.Context, userId, content string) error {
	args := m.Called(ctx, userId, content)
	return args.Error(0)
}

func (m *MockChatGateway) BroadcastSystem(ctx context.Context, content string) (server.BroadcastResults, error) {
	args := m.Called(ctx, content)
	return args.Get(0).(server.BroadcastResults), args.Error(1)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	require.NoError(t, err)

	return &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     testSigningKey,
		UserIdClaim:    "sub",
		AdminKeyHash:   hash,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

func newTestApp(t *testing.T, cs ChatGateway, db database.ChatRepository) *ChatApp {
	t.Helper()
	return NewChatApp(http.NewServeMux(), testutil.TestLogger(t), cs, db, testConfig(t))
}

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}
