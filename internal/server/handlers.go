package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/market-chat/internal/abuse"
	"github.com/npezzotti/market-chat/internal/database"
	"github.com/npezzotti/market-chat/internal/identity"
	"github.com/npezzotti/market-chat/internal/presence"
	"github.com/npezzotti/market-chat/internal/types"
)

const (
	defaultPageSize  = 20
	maxPageSize      = 100
	maxContentLength = 5000
	maxStatusLookups = 100
)

type handlerFunc func(ctx context.Context, c *Client, data json.RawMessage) error

func (cs *ChatServer) eventHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		EventGetHistoryConversations: cs.handleGetHistoryConversations,
		EventSendMessage:             cs.handleSendMessage,
		EventJoinConversation:        cs.handleJoinConversation,
		EventLoadMoreMessages:        cs.handleLoadMoreMessages,
		EventCreateConversation:      cs.handleCreateConversation,
		EventTyping:                  cs.handleTyping,
		EventStopTyping:              cs.handleStopTyping,
		EventJoinBidChat:             cs.handleJoinBidChat,
		EventLeaveBidChat:            cs.handleLeaveBidChat,
		EventGetBidMessages:          cs.handleGetBidMessages,
		EventSendBidMessage:          cs.handleSendBidMessage,
		EventMessageRead:             cs.handleMessageRead,
		EventMarkConversationAsRead:  cs.handleMarkConversationAsRead,
		EventGetUserStatus:           cs.handleGetUserStatus,
		EventSetUserStatus:           cs.handleSetUserStatus,
		EventSendAdminMessage:        cs.handleSendAdminMessage,
		EventGetViolations:           cs.handleGetViolations,
		EventResolveViolation:        cs.handleResolveViolation,
		EventBroadcastAdminMessage:   cs.handleBroadcastAdminMessage,
	}
}

func errorMessage(ee *EventError) *ServerMessage {
	return newServerMessage(EventErr, ee.payload())
}

// dispatch runs the handler for one inbound event. Every failure, including
// a panic, ends here and is reported to the sending socket only.
func (cs *ChatServer) dispatch(c *Client, msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			cs.log.Printf("panic handling %q for %q: %v", msg.Event, c.user.Username, r)
			c.queueMessage(errorMessage(&EventError{Kind: KindInternal, Message: genericErrorMessage}))
		}
	}()

	h, ok := cs.handlers[msg.Event]
	if !ok {
		c.queueMessage(errorMessage(errValidation("unknown event %q", msg.Event)))
		return
	}

	if err := h(ctx, c, msg.Data); err != nil {
		ee := toEventError(err)
		if ee.Kind == KindInternal {
			cs.log.Printf("error handling %q for %q: %v", msg.Event, c.user.Username, err)
		}
		c.queueMessage(errorMessage(ee))
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errValidation("invalid event data")
	}
	return nil
}

func pageBounds(limit, offset int) (int, int, error) {
	if offset < 0 {
		return 0, 0, errValidation("offset must not be negative")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	return min(limit, maxPageSize), offset, nil
}

// remainingCount is the number of messages older than the requested page.
// It can be negative on the last page.
func remainingCount(total, limit, offset int) int {
	return total - limit*(offset+1)
}

func validateContent(mtype types.MessageType, content string) (types.MessageType, error) {
	if mtype == "" {
		mtype = types.MessageText
	}
	if !mtype.Valid() {
		return "", errValidation("unsupported message type %q", mtype)
	}
	if strings.TrimSpace(content) == "" {
		return "", errValidation("content is required")
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return "", errValidation("content exceeds %d characters", maxContentLength)
	}
	return mtype, nil
}

func (cs *ChatServer) loadConversation(c *Client, conversationId string) (types.Conversation, error) {
	if conversationId == "" {
		return types.Conversation{}, errValidation("conversationId is required")
	}
	conv, err := cs.db.GetConversation(conversationId)
	if errors.Is(err, database.ErrNotFound) {
		return types.Conversation{}, errNotFound("conversation not found")
	}
	if err != nil {
		return types.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if !conv.HasParticipant(c.user.Id) {
		return types.Conversation{}, errUnauthorized("not a participant of this conversation")
	}
	return conv, nil
}

// lookupUser finds a user by username, importing them from the identity
// service when the chat service has not seen them before.
func (cs *ChatServer) lookupUser(ctx context.Context, username string) (types.User, error) {
	u, err := cs.db.GetUserByUsername(username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return types.User{}, fmt.Errorf("get user: %w", err)
	}

	ext, err := cs.directory.LookupByUsername(ctx, username)
	if errors.Is(err, identity.ErrNotFound) {
		return types.User{}, errNotFound("user not found")
	}
	if err != nil {
		return types.User{}, fmt.Errorf("identity lookup: %w", err)
	}

	// the directory may canonicalize the username; an existing row keeps
	// its role and avatar
	if u, err := cs.existingUser(ext.Id, ext.Username); err != nil || u.Id != "" {
		return u, err
	}

	u, err = cs.db.UpsertUser(database.UpsertUserParams{
		Id:       ext.Id,
		Username: ext.Username,
		Avatar:   ext.Avatar,
		Role:     types.RoleUser,
	})
	if err != nil {
		return types.User{}, fmt.Errorf("upsert user: %w", err)
	}
	cs.log.Printf("imported user %q from identity service", u.Username)
	return u, nil
}

// existingUser returns the stored user matching id or username, or a zero
// user when neither is on file.
func (cs *ChatServer) existingUser(id, username string) (types.User, error) {
	u, err := cs.db.GetUserByUsername(username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return types.User{}, fmt.Errorf("get user: %w", err)
	}
	if id == "" {
		return types.User{}, nil
	}
	u, err = cs.db.GetUserById(id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return types.User{}, fmt.Errorf("get user: %w", err)
	}
	return types.User{}, nil
}

// conversationWith resolves the participants of the conversation between
// self and the named user. Naming oneself yields the self conversation.
func (cs *ChatServer) conversationWith(ctx context.Context, self types.User, username string) (database.CreateConversationParams, error) {
	params := database.CreateConversationParams{
		Type:           types.ConversationSelf,
		ParticipantIds: []string{self.Id},
	}
	if username == self.Username {
		return params, nil
	}

	other, err := cs.lookupUser(ctx, username)
	if err != nil {
		return database.CreateConversationParams{}, err
	}
	if other.Id != self.Id {
		params = database.CreateConversationParams{
			Type:           types.ConversationPrivate,
			ParticipantIds: []string{self.Id, other.Id},
		}
	}
	return params, nil
}

// openConversation finds or creates the conversation between self and the
// named user.
func (cs *ChatServer) openConversation(ctx context.Context, self types.User, username string) (types.Conversation, bool, error) {
	params, err := cs.conversationWith(ctx, self, username)
	if err != nil {
		return types.Conversation{}, false, err
	}
	return cs.getOrCreateConversation(params)
}

func (cs *ChatServer) getOrCreateConversation(params database.CreateConversationParams) (types.Conversation, bool, error) {
	conv, created, err := cs.db.GetOrCreateConversation(params)
	if err != nil {
		return types.Conversation{}, false, fmt.Errorf("get or create conversation: %w", err)
	}
	return conv, created, nil
}

func (cs *ChatServer) handleGetHistoryConversations(ctx context.Context, c *Client, data json.RawMessage) error {
	var req HistoryConversationsRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.UserId != "" && req.UserId != c.user.Id {
		return errUnauthorized("cannot list another user's conversations")
	}

	convs, err := cs.db.ListConversations(c.user.Id)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	c.queueMessage(newServerMessage(EventResponseHistoryConversations, convs))
	return nil
}

func (cs *ChatServer) handleSendMessage(ctx context.Context, c *Client, data json.RawMessage) error {
	var req SendMessageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.ConversationId == "" {
		return errValidation("conversationId is required")
	}
	mtype, err := validateContent(req.Type, req.Content)
	if err != nil {
		return err
	}

	// a new-conversation id names the user to start talking to
	target, isNew := strings.CutPrefix(req.ConversationId, abuse.NewConversationMarker+"-")
	var (
		conv      types.Conversation
		newParams database.CreateConversationParams
	)
	if isNew {
		if target == "" {
			return errValidation("missing recipient for new conversation")
		}
		// unknown recipients fail before they count against the
		// conversation throttle
		if newParams, err = cs.conversationWith(ctx, c.user, target); err != nil {
			return err
		}
	} else {
		if conv, err = cs.loadConversation(c, req.ConversationId); err != nil {
			return err
		}
	}

	decision, err := cs.abuse.Check(ctx, c.user, req.ConversationId, req.Content)
	if err != nil {
		return fmt.Errorf("abuse check: %w", err)
	}
	if !decision.Allowed {
		cs.stats.Incr(metricMessagesRejected)
		cs.log.Printf("rejected message from %q: %s", c.user.Username, decision.Reason)
		c.queueMessage(errorMessage(errRejected(decision)))
		if err := cs.notify(ctx, c.user, decision.Message); err != nil {
			cs.log.Printf("error sending rejection notice to %q: %v", c.user.Username, err)
		}
		return nil
	}

	if isNew {
		if conv, _, err = cs.getOrCreateConversation(newParams); err != nil {
			return err
		}
	}

	if _, err := cs.postMessage(ctx, conv, c.user, mtype, req.Content); err != nil {
		return err
	}
	cs.stats.Incr(metricMessagesSent)

	return nil
}

func (cs *ChatServer) messagePage(conversationId string, limit, offset int) (MessagePage, error) {
	messages, err := cs.db.GetMessages(conversationId, limit, offset*limit)
	if err != nil {
		return MessagePage{}, fmt.Errorf("get messages: %w", err)
	}
	total, err := cs.db.CountMessages(conversationId)
	if err != nil {
		return MessagePage{}, fmt.Errorf("count messages: %w", err)
	}

	slices.Reverse(messages)
	remaining := remainingCount(total, limit, offset)
	return MessagePage{
		ConversationId: conversationId,
		Messages:       messages,
		Offset:         offset,
		HasMore:        remaining > 0,
		RemainingCount: remaining,
	}, nil
}

func (cs *ChatServer) handleJoinConversation(ctx context.Context, c *Client, data json.RawMessage) error {
	var req PageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	limit, offset, err := pageBounds(req.Limit, req.Offset)
	if err != nil {
		return err
	}
	conv, err := cs.loadConversation(c, req.ConversationId)
	if err != nil {
		return err
	}

	// room changes happen before the fetch so that a failed fetch still
	// leaves the socket subscribed to the conversation it asked for
	cs.rooms.leaveAll(c, c.user.Id)
	cs.rooms.join(conv.Id, c)

	page, err := cs.messagePage(conv.Id, limit, offset)
	if err != nil {
		return err
	}

	c.queueMessage(newServerMessage(EventResponseHistoryMessages, page))
	return nil
}

func (cs *ChatServer) handleLoadMoreMessages(ctx context.Context, c *Client, data json.RawMessage) error {
	var req PageRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	limit, offset, err := pageBounds(req.Limit, req.Offset)
	if err != nil {
		return err
	}
	conv, err := cs.loadConversation(c, req.ConversationId)
	if err != nil {
		return err
	}

	page, err := cs.messagePage(conv.Id, limit, offset)
	if err != nil {
		return err
	}

	c.queueMessage(newServerMessage(EventResponseMoreMessages, page))
	return nil
}

func (cs *ChatServer) handleCreateConversation(ctx context.Context, c *Client, data json.RawMessage) error {
	var req CreateConversationRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return errValidation("username is required")
	}

	conv, created, err := cs.openConversation(ctx, c.user, username)
	if err != nil {
		return err
	}

	msg := newServerMessage(EventNewConversation, conv)
	c.queueMessage(msg)
	if created {
		for _, p := range conv.Participants {
			if p.Id != c.user.Id {
				cs.sendToUser(ctx, p, msg)
			}
		}
	}

	return nil
}

func (cs *ChatServer) handleTyping(ctx context.Context, c *Client, data json.RawMessage) error {
	var req TypingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := cs.requireRoom(c, req.ConversationId); err != nil {
		return err
	}

	msg := newServerMessage(EventUserTyping, TypingNotice{
		ConversationId: req.ConversationId,
		UserId:         c.user.Id,
		Username:       c.user.Username,
	})
	cs.rooms.broadcast(req.ConversationId, msg, c)

	// the recipient may have the conversation open on a socket that has
	// not joined the room
	if req.RecipientId != "" {
		socketId, err := presence.ResolveSocket(ctx, cs.presence, types.User{Id: req.RecipientId})
		if err != nil {
			return fmt.Errorf("resolve socket: %w", err)
		}
		if rc := cs.getClient(socketId); rc != nil && rc != c && !cs.rooms.isMember(req.ConversationId, rc) {
			rc.queueMessage(msg)
		}
	}

	return nil
}

func (cs *ChatServer) handleStopTyping(ctx context.Context, c *Client, data json.RawMessage) error {
	var req TypingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := cs.requireRoom(c, req.ConversationId); err != nil {
		return err
	}

	cs.rooms.broadcast(req.ConversationId, newServerMessage(EventUserStopTyping, TypingNotice{
		ConversationId: req.ConversationId,
		UserId:         c.user.Id,
		Username:       c.user.Username,
	}), c)
	return nil
}

func (cs *ChatServer) requireRoom(c *Client, conversationId string) error {
	if conversationId == "" {
		return errValidation("conversationId is required")
	}
	if !cs.rooms.isMember(conversationId, c) {
		return errUnauthorized("join the conversation first")
	}
	return nil
}

// publishStatusUpdate sends a read delta to the conversation room and to
// the acting socket if it is not in the room.
func (cs *ChatServer) publishStatusUpdate(c *Client, conversationId string, changed []types.Message) {
	msg := newServerMessage(EventMessagesStatusUpdated, StatusUpdate{
		ConversationId: conversationId,
		Messages:       changed,
	})
	// an empty delta is only acknowledged to the reader
	if len(changed) == 0 {
		c.queueMessage(msg)
		return
	}
	cs.rooms.broadcast(conversationId, msg, nil)
	if !cs.rooms.isMember(conversationId, c) {
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) handleMessageRead(ctx context.Context, c *Client, data json.RawMessage) error {
	var req MessageReadRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.UserId == "" {
		return errValidation("userId is required")
	}
	conv, err := cs.loadConversation(c, req.ConversationId)
	if err != nil {
		return err
	}

	changed, err := cs.db.MarkMessagesRead(database.MarkReadParams{
		ConversationId: conv.Id,
		SenderId:       req.UserId,
	})
	if err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}

	cs.publishStatusUpdate(c, conv.Id, changed)
	return nil
}

func (cs *ChatServer) handleMarkConversationAsRead(ctx context.Context, c *Client, data json.RawMessage) error {
	var req MessageReadRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	conv, err := cs.loadConversation(c, req.ConversationId)
	if err != nil {
		return err
	}

	changed, err := cs.db.MarkMessagesRead(database.MarkReadParams{
		ConversationId: conv.Id,
		ReaderId:       c.user.Id,
	})
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}

	cs.publishStatusUpdate(c, conv.Id, changed)
	return nil
}

func (cs *ChatServer) handleGetUserStatus(ctx context.Context, c *Client, data json.RawMessage) error {
	var req UserStatusRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if len(req.UserIds) == 0 {
		return errValidation("userIds is required")
	}
	if len(req.UserIds) > maxStatusLookups {
		return errValidation("at most %d userIds per request", maxStatusLookups)
	}

	statuses := make([]UserStatus, 0, len(req.UserIds))
	for _, id := range req.UserIds {
		rec, err := cs.presence.GetStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("get status: %w", err)
		}
		statuses = append(statuses, newUserStatus(id, rec))
	}

	c.queueMessage(newServerMessage(EventUserStatusResponse, statuses))
	return nil
}

func (cs *ChatServer) handleSetUserStatus(ctx context.Context, c *Client, data json.RawMessage) error {
	var req SetUserStatusRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !req.Status.Valid() {
		return errValidation("invalid status %q", req.Status)
	}

	rec, err := cs.presence.SetStatus(ctx, c.user.Id, req.Status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}

	cs.broadcast(newServerMessage(EventUserStatusChanged, newUserStatus(c.user.Id, rec)), nil)
	return nil
}
