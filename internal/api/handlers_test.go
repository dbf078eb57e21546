package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/server"
	"github.com/npezzotti/market-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if s, ok := v.(string); ok {
		buf.WriteString(s)
		return buf
	}
	require.NoError(t, json.NewEncoder(buf).Encode(v))
	return buf
}

func Test_healthCheck(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	defer mockRepo.AssertExpectations(t)

	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo.On("Ping").Return(tc.mockErr).Once()
			app := newTestApp(t, nil, mockRepo)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.healthCheck(rr, req)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func Test_upsertUser(t *testing.T) {
	user := types.User{Id: "u-1", Username: "alice", Avatar: "https://cdn/a.png", Role: types.RoleUser}

	tcases := []struct {
		name         string
		body         any
		expectCall   bool
		mockErr      error
		expectedCode int
	}{
		{
			name:         "creates or updates the user",
			body:         UpsertUserRequest{Id: "u-1", Username: "alice", Avatar: "https://cdn/a.png"},
			expectCall:   true,
			expectedCode: http.StatusOK,
		},
		{
			name:         "invalid json",
			body:         "{",
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "missing username",
			body:         UpsertUserRequest{Id: "u-1"},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "reserved username",
			body:         UpsertUserRequest{Username: types.SystemUsername},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "unknown role",
			body:         UpsertUserRequest{Username: "alice", Role: "owner"},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "id clash",
			body:         UpsertUserRequest{Id: "u-1", Username: "alice", Avatar: "https://cdn/a.png"},
			expectCall:   true,
			mockErr:      database.ErrInvalidInput,
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "repository failure",
			body:         UpsertUserRequest{Id: "u-1", Username: "alice", Avatar: "https://cdn/a.png"},
			expectCall:   true,
			mockErr:      errors.New("db down"),
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)
			if tc.expectCall {
				mockRepo.On("UpsertUser", database.UpsertUserParams{
					Id:       "u-1",
					Username: "alice",
					Avatar:   "https://cdn/a.png",
				}).Return(user, tc.mockErr).Once()
			}

			app := newTestApp(t, nil, mockRepo)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPut, "/api/users", jsonBody(t, tc.body))
			app.upsertUser(rr, req)

			assert.Equal(t, tc.expectedCode, rr.Code)
			if tc.expectedCode == http.StatusOK {
				var got types.User
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
				assert.Equal(t, user.Id, got.Id)
				assert.Equal(t, user.Avatar, got.Avatar)
			}
		})
	}
}

func Test_upsertUserThroughRouter(t *testing.T) {
	repo := database.NewMemoryChatRepository()
	app := newTestApp(t, nil, repo)

	req := httptest.NewRequest(http.MethodPut, "/api/users", jsonBody(t, UpsertUserRequest{Username: "bob", Role: types.RoleAdmin}))
	req.Header.Set(adminKeyHeader, testAdminKey)
	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	u, err := repo.GetUserByUsername("bob")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())
}

func Test_searchUsers(t *testing.T) {
	repo := database.NewMemoryChatRepository()
	for _, name := range []string{"Alice", "alicia", "bob", types.SystemUsername} {
		_, err := repo.UpsertUser(database.UpsertUserParams{Username: name})
		require.NoError(t, err)
	}
	app := newTestApp(t, nil, repo)
	token := signToken(t, testSigningKey, jwt.MapClaims{"sub": "u-1"})

	tcases := []struct {
		name         string
		query        string
		expectedCode int
		expected     []string
	}{
		{name: "case insensitive substring", query: "q=ALI", expectedCode: http.StatusOK, expected: []string{"Alice", "alicia"}},
		{name: "limit", query: "q=ali&limit=1", expectedCode: http.StatusOK, expected: []string{"Alice"}},
		{name: "system user hidden", query: "q=sys", expectedCode: http.StatusOK, expected: []string{}},
		{name: "no match", query: "q=zed", expectedCode: http.StatusOK, expected: []string{}},
		{name: "missing query", query: "", expectedCode: http.StatusBadRequest},
		{name: "bad limit", query: "q=a&limit=-1", expectedCode: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/users/search?"+tc.query, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rr := httptest.NewRecorder()
			app.Handler().ServeHTTP(rr, req)

			require.Equal(t, tc.expectedCode, rr.Code)
			if tc.expectedCode != http.StatusOK {
				return
			}

			var users []types.User
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&users))
			names := []string{}
			for _, u := range users {
				names = append(names, u.Username)
			}
			assert.Equal(t, tc.expected, names)
		})
	}
}

func Test_postNotification(t *testing.T) {
	results := server.BroadcastResults{Total: 2, Success: 1, Failed: 1, Results: []server.BroadcastResult{
		{UserId: "u-1", Username: "alice", Status: server.BroadcastSuccess},
		{UserId: "u-2", Username: "bob", Status: server.BroadcastFailed, Error: "boom"},
	}}

	tcases := []struct {
		name         string
		body         any
		setup        func(cs *MockChatGateway)
		expectedCode int
	}{
		{
			name: "single user",
			body: NotificationRequest{UserId: "u-1", Content: "your item sold"},
			setup: func(cs *MockChatGateway) {
				cs.On("Notify", mock.Anything, "u-1", "your item sold").Return(nil).Once()
			},
			expectedCode: http.StatusNoContent,
		},
		{
			name: "unknown user",
			body: NotificationRequest{UserId: "ghost", Content: "hi"},
			setup: func(cs *MockChatGateway) {
				cs.On("Notify", mock.Anything, "ghost", "hi").Return(database.ErrNotFound).Once()
			},
			expectedCode: http.StatusNotFound,
		},
		{
			name: "notify failure",
			body: NotificationRequest{UserId: "u-1", Content: "hi"},
			setup: func(cs *MockChatGateway) {
				cs.On("Notify", mock.Anything, "u-1", "hi").Return(errors.New("redis down")).Once()
			},
			expectedCode: http.StatusInternalServerError,
		},
		{
			name: "broadcast",
			body: NotificationRequest{Content: "maintenance at noon"},
			setup: func(cs *MockChatGateway) {
				cs.On("BroadcastSystem", mock.Anything, "maintenance at noon").Return(results, nil).Once()
			},
			expectedCode: http.StatusOK,
		},
		{
			name: "broadcast failure",
			body: NotificationRequest{Content: "maintenance at noon"},
			setup: func(cs *MockChatGateway) {
				cs.On("BroadcastSystem", mock.Anything, "maintenance at noon").
					Return(server.BroadcastResults{}, errors.New("db down")).Once()
			},
			expectedCode: http.StatusInternalServerError,
		},
		{
			name:         "missing content",
			body:         NotificationRequest{UserId: "u-1", Content: "  "},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "invalid json",
			body:         "nope",
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs := &MockChatGateway{}
			defer cs.AssertExpectations(t)
			if tc.setup != nil {
				tc.setup(cs)
			}

			app := newTestApp(t, cs, nil)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/admin/notifications", jsonBody(t, tc.body))
			app.postNotification(rr, req)

			assert.Equal(t, tc.expectedCode, rr.Code)
			if tc.name == "broadcast" {
				var got server.BroadcastResults
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
				assert.Equal(t, results, got)
			}
		})
	}
}

func Test_serveWs(t *testing.T) {
	alice := types.User{Id: "u-1", Username: "alice"}

	t.Run("upgrades an authenticated user", func(t *testing.T) {
		cs := &MockChatGateway{}
		defer cs.AssertExpectations(t)
		cs.On("Authenticate", mock.Anything, "u-1").Return(alice, nil).Once()
		connected := make(chan struct{})
		cs.On("Connect", mock.Anything, alice, mock.AnythingOfType("*websocket.Conn")).
			Run(func(args mock.Arguments) {
				args.Get(2).(*websocket.Conn).Close()
				close(connected)
			}).
			Return(nil, nil).Once()

		srv := httptest.NewServer(newTestApp(t, cs, nil).Handler())
		defer srv.Close()

		token := signToken(t, testSigningKey, jwt.MapClaims{"sub": "u-1"})
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
		<-connected
	})

	t.Run("rejects a disallowed origin", func(t *testing.T) {
		cs := &MockChatGateway{}
		defer cs.AssertExpectations(t)
		cs.On("Authenticate", mock.Anything, "u-1").Return(alice, nil).Once()

		srv := httptest.NewServer(newTestApp(t, cs, nil).Handler())
		defer srv.Close()

		header := http.Header{}
		header.Set("Authorization", "Bearer "+signToken(t, testSigningKey, jwt.MapClaims{"sub": "u-1"}))
		header.Set("Origin", "http://evil.example")
		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	tcases := []struct {
		name         string
		token        string
		authErr      error
		expectAuth   bool
		expectedCode int
	}{
		{
			name:         "missing token",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "bad token",
			token:        signToken(t, []byte("other"), jwt.MapClaims{"sub": "u-1"}),
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "unknown user",
			token:        signToken(t, testSigningKey, jwt.MapClaims{"sub": "u-1"}),
			authErr:      &server.EventError{Kind: server.KindUnauthorized, Message: "unknown user"},
			expectAuth:   true,
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "lookup failure",
			token:        signToken(t, testSigningKey, jwt.MapClaims{"sub": "u-1"}),
			authErr:      errors.New("db down"),
			expectAuth:   true,
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cs := &MockChatGateway{}
			defer cs.AssertExpectations(t)
			if tc.expectAuth {
				cs.On("Authenticate", mock.Anything, "u-1").Return(types.User{}, tc.authErr).Once()
			}

			app := newTestApp(t, cs, nil)
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rr := httptest.NewRecorder()
			app.serveWs(rr, req)

			assert.Equal(t, tc.expectedCode, rr.Code)
		})
	}
}
