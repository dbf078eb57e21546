package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/npezzotti/market-chat/internal/types"
)

var ErrNotFound = errors.New("user not found in identity service")

// Directory resolves users the chat service has not seen yet.
type Directory interface {
	LookupByUsername(ctx context.Context, username string) (types.User, error)
}

// Client calls the marketplace identity service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity service: %d %s", e.Status, e.Message)
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type userResponse struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

func (c *Client) LookupByUsername(ctx context.Context, username string) (types.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/users/"+url.PathEscape(username), nil)
	if err != nil {
		return types.User{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.User{}, fmt.Errorf("lookup user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.User{}, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return types.User{}, &APIError{Status: resp.StatusCode, Message: msg}
	}

	var ur userResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return types.User{}, fmt.Errorf("decode user: %w", err)
	}
	if ur.Username == "" {
		return types.User{}, ErrNotFound
	}

	return types.User{
		Id:       ur.Id,
		Username: ur.Username,
		Avatar:   ur.Avatar,
		Role:     types.RoleUser,
	}, nil
}

// NoDirectory is used when no identity service is configured; every
// lookup misses.
type NoDirectory struct{}

func (NoDirectory) LookupByUsername(context.Context, string) (types.User, error) {
	return types.User{}, ErrNotFound
}
