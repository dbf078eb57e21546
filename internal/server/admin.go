package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/market-chat/internal/abuse"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/types"
)

// requireAdmin checks the stored role rather than the one cached on the
// socket, so a role change applies without reconnecting.
func (cs *ChatServer) requireAdmin(c *Client) (types.User, error) {
	u, err := cs.db.GetUserById(c.user.Id)
	if errors.Is(err, database.ErrNotFound) {
		return types.User{}, errUnauthorized("admin privileges required")
	}
	if err != nil {
		return types.User{}, fmt.Errorf("get user: %w", err)
	}
	if !u.IsAdmin() {
		return types.User{}, errUnauthorized("admin privileges required")
	}
	return u, nil
}

func (cs *ChatServer) handleSendAdminMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	admin, err := cs.requireAdmin(c)
	if err != nil {
		return err
	}

	var req AdminMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.UserId == "" {
		return errValidation("userId is required")
	}
	if _, err := validateContent(types.MessageText, req.Content); err != nil {
		return err
	}

	target, err := cs.db.GetUserById(req.UserId)
	if errors.Is(err, database.ErrNotFound) {
		return errNotFound("user not found")
	}
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}

	if _, err := cs.sendDirect(ctx, admin, target, req.Content); err != nil {
		return err
	}
	cs.stats.Incr(metricMessagesSent)

	return nil
}

func (cs *ChatServer) handleGetViolations(ctx context.Context, c *Client, data json.RawMessage) error {
	if _, err := cs.requireAdmin(c); err != nil {
		return err
	}

	var req ViolationsRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	limit, offset, err := pageBounds(req.Limit, req.Offset)
	if err != nil {
		return err
	}

	violations, err := cs.violations.List(ctx, abuse.ListParams{
		UserId: req.UserId,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return fmt.Errorf("list violations: %w", err)
	}

	c.queueMessage(newServerMessage(EventViolationsData, ViolationsData{
		Violations: violations,
		Limit:      limit,
		Offset:     offset,
	}))
	return nil
}

func (cs *ChatServer) handleResolveViolation(ctx context.Context, c *Client, data json.RawMessage) error {
	admin, err := cs.requireAdmin(c)
	if err != nil {
		return err
	}

	var req ResolveViolationRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.ViolationKey == "" {
		return errValidation("violationKey is required")
	}

	v, err := cs.violations.Resolve(ctx, req.ViolationKey)
	if errors.Is(err, abuse.ErrViolationNotFound) {
		return errNotFound("violation not found")
	}
	if err != nil {
		return fmt.Errorf("resolve violation: %w", err)
	}

	cs.log.Printf("violation %q resolved by %q", v.Key, admin.Username)
	c.queueMessage(newServerMessage(EventViolationResolved, v))
	return nil
}

func (cs *ChatServer) handleBroadcastAdminMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	admin, err := cs.requireAdmin(c)
	if err != nil {
		return err
	}

	var req BroadcastRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if _, err := validateContent(types.MessageText, req.Content); err != nil {
		return err
	}

	res, err := cs.broadcastFrom(ctx, admin, req.Content)
	if err != nil {
		return err
	}

	cs.log.Printf("admin %q broadcast to %d users, %d failed", admin.Username, res.Total, res.Failed)
	c.queueMessage(newServerMessage(EventBroadcastResults, res))
	return nil
}
