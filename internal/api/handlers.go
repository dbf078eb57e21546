package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/server"
	"github.com/npezzotti/market-chat/internal/types"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 50
)

type UpsertUserRequest struct {
	Id       string     `json:"id"`
	Username string     `json:"username"`
	Avatar   string     `json:"avatar"`
	Role     types.Role `json:"role"`
}

type NotificationRequest struct {
	// UserId selects a single recipient. Empty broadcasts to every
	// regular user.
	UserId  string `json:"userId"`
	Content string `json:"content"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatApp) upsertUser(w http.ResponseWriter, r *http.Request) {
	var req UpsertUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		s.writeError(w, NewValidationError("username is required"))
		return
	}
	if req.Username == types.SystemUsername {
		s.writeError(w, NewValidationError("username is reserved"))
		return
	}
	if req.Role != "" && req.Role != types.RoleUser && req.Role != types.RoleAdmin {
		s.writeError(w, NewValidationError("role must be user or admin"))
		return
	}

	u, err := s.db.UpsertUser(database.UpsertUserParams{
		Id:       req.Id,
		Username: req.Username,
		Avatar:   req.Avatar,
		Role:     req.Role,
	})
	if errors.Is(err, database.ErrInvalidInput) {
		s.writeError(w, NewBadRequestError())
		return
	}
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, u)
}

func (s *ChatApp) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.writeError(w, NewValidationError("q is required"))
		return
	}

	limit := defaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, NewValidationError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxSearchLimit)
	}

	users, err := s.db.SearchUsers(q, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	found := make([]types.User, 0, len(users))
	for _, u := range users {
		if !u.IsSystem() {
			found = append(found, u)
		}
	}

	s.writeJson(w, http.StatusOK, found)
}

func (s *ChatApp) postNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, NewValidationError("content is required"))
		return
	}

	if req.UserId != "" {
		err := s.cs.Notify(r.Context(), req.UserId, req.Content)
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, NewNotFoundError())
			return
		}
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	res, err := s.cs.BroadcastSystem(r.Context(), req.Content)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.log.Printf("system broadcast to %d users, %d failed", res.Total, res.Failed)
	s.writeJson(w, http.StatusOK, res)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, err := s.userIdFromRequest(r)
	if err != nil {
		s.log.Printf("rejected websocket from %q: %v", s.proxies.clientIP(r), err)
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.cs.Authenticate(r.Context(), userId)
	if err != nil {
		var ee *server.EventError
		if errors.As(err, &ee) && ee.Kind == server.KindUnauthorized {
			s.writeError(w, NewUnauthorizedError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	if _, err := s.cs.Connect(r.Context(), user, conn); err != nil {
		s.log.Printf("error connecting user %q: %v", user.Username, err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connect failed"))
		conn.Close()
	}
}
