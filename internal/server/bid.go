package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/types"
)

// Bid chats run without abuse checks.

func (cs *ChatServer) handleJoinBidChat(ctx context.Context, c *Client, data json.RawMessage) error {
	var req BidRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.BidId == "" {
		return errValidation("bidId is required")
	}

	if _, err := cs.db.AddBidChatParticipant(req.BidId, c.user.Id); err != nil {
		return fmt.Errorf("add bid chat participant: %w", err)
	}

	room := bidRoom(req.BidId)
	cs.rooms.join(room, c)
	cs.rooms.broadcast(room, newServerMessage(EventUserJoinedBid, BidMembership{
		BidId:    req.BidId,
		UserId:   c.user.Id,
		Username: c.user.Username,
	}), nil)

	return nil
}

func (cs *ChatServer) handleLeaveBidChat(ctx context.Context, c *Client, data json.RawMessage) error {
	var req BidRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.BidId == "" {
		return errValidation("bidId is required")
	}

	_, err := cs.db.RemoveBidChatParticipant(req.BidId, c.user.Id)
	if errors.Is(err, database.ErrNotFound) {
		return errNotFound("bid chat not found")
	}
	if err != nil {
		return fmt.Errorf("remove bid chat participant: %w", err)
	}

	room := bidRoom(req.BidId)
	cs.rooms.leave(room, c)

	msg := newServerMessage(EventUserLeftBid, BidMembership{
		BidId:    req.BidId,
		UserId:   c.user.Id,
		Username: c.user.Username,
	})
	cs.rooms.broadcast(room, msg, nil)
	c.queueMessage(msg)

	return nil
}

func (cs *ChatServer) handleGetBidMessages(ctx context.Context, c *Client, data json.RawMessage) error {
	var req BidRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.BidId == "" {
		return errValidation("bidId is required")
	}
	limit, offset, err := pageBounds(req.Limit, req.Offset)
	if err != nil {
		return err
	}

	// nobody has joined yet, so there is nothing to read
	bc, err := cs.db.GetBidChat(req.BidId)
	if errors.Is(err, database.ErrNotFound) {
		c.queueMessage(newServerMessage(EventBidMessages, BidMessages{
			BidId:    req.BidId,
			Messages: []types.Message{},
			Offset:   offset,
		}))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get bid chat: %w", err)
	}

	messages, err := cs.db.GetBidMessages(bc.Id, limit, offset*limit)
	if err != nil {
		return fmt.Errorf("get bid messages: %w", err)
	}
	total, err := cs.db.CountBidMessages(bc.Id)
	if err != nil {
		return fmt.Errorf("count bid messages: %w", err)
	}

	slices.Reverse(messages)
	remaining := remainingCount(total, limit, offset)
	c.queueMessage(newServerMessage(EventBidMessages, BidMessages{
		BidId:          req.BidId,
		BidChatId:      bc.Id,
		Messages:       messages,
		Offset:         offset,
		HasMore:        remaining > 0,
		RemainingCount: remaining,
	}))

	return nil
}

func (cs *ChatServer) handleSendBidMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var req SendBidMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.BidId == "" {
		return errValidation("bidId is required")
	}
	mtype, err := validateContent(req.Type, req.Content)
	if err != nil {
		return err
	}

	bc, err := cs.db.GetBidChat(req.BidId)
	if errors.Is(err, database.ErrNotFound) {
		return errNotFound("bid chat not found")
	}
	if err != nil {
		return fmt.Errorf("get bid chat: %w", err)
	}
	if !slices.Contains(bc.Participants, c.user.Id) {
		return errUnauthorized("join the bid chat first")
	}

	msg, err := cs.db.CreateBidMessage(database.CreateMessageParams{
		BidChatId: bc.Id,
		Sender:    c.user.Snapshot(),
		Type:      mtype,
		Content:   req.Content,
	})
	if err != nil {
		return fmt.Errorf("create bid message: %w", err)
	}
	cs.stats.Incr(metricBidMessagesSent)

	room := bidRoom(req.BidId)
	out := newServerMessage(EventNewBidMessage, BidMessage{BidId: req.BidId, Message: msg})
	cs.rooms.broadcast(room, out, nil)
	if !cs.rooms.isMember(room, c) {
		c.queueMessage(out)
	}

	return nil
}
