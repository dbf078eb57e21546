package server

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/market-chat/internal/types"
)

// Inbound events.
const (
	EventGetHistoryConversations = "getHistoryConversations"
	EventSendMessage             = "sendMessage"
	EventJoinConversation        = "joinConversation"
	EventLoadMoreMessages        = "loadMoreMessages"
	EventCreateConversation      = "createConversation"
	EventTyping                  = "typing"
	EventStopTyping              = "stop_typing"
	EventJoinBidChat             = "joinBidChat"
	EventLeaveBidChat            = "leaveBidChat"
	EventGetBidMessages          = "getBidMessages"
	EventSendBidMessage          = "sendBidMessage"
	EventMessageRead             = "messageRead"
	EventMarkConversationAsRead  = "markConversationAsRead"
	EventGetUserStatus           = "getUserStatus"
	EventSetUserStatus           = "setUserStatus"
	EventSendAdminMessage        = "sendAdminMessage"
	EventGetViolations           = "getViolations"
	EventResolveViolation        = "resolveViolation"
	EventBroadcastAdminMessage   = "broadcastAdminMessage"
)

// Outbound events.
const (
	EventNewMessage                   = "newMessage"
	EventUpdateConversation           = "updateConversation"
	EventResponseHistoryConversations = "responseHistoryConversations"
	EventResponseHistoryMessages      = "responseHistoryMessages"
	EventResponseMoreMessages         = "responseMoreMessages"
	EventNewConversation              = "newConversation"
	EventUserTyping                   = "user_typing"
	EventUserStopTyping               = "user_stop_typing"
	EventMessagesStatusUpdated        = "messagesStatusUpdated"
	EventUserStatusResponse           = "userStatusResponse"
	EventUserStatusChanged            = "userStatusChanged"
	EventBidMessages                  = "bidMessages"
	EventNewBidMessage                = "newBidMessage"
	EventUserJoinedBid                = "userJoinedBid"
	EventUserLeftBid                  = "userLeftBid"
	EventViolationAlert               = "violationAlert"
	EventViolationsData               = "violationsData"
	EventViolationResolved            = "violationResolved"
	EventBroadcastResults             = "broadcastResults"
	EventErr                          = "error"
)

type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newServerMessage(event string, data any) *ServerMessage {
	return &ServerMessage{
		Event:     event,
		Data:      data,
		Timestamp: Now(),
	}
}

type HistoryConversationsRequest struct {
	UserId string `json:"userId"`
}

type SendMessageRequest struct {
	ConversationId string            `json:"conversationId"`
	Content        string            `json:"content"`
	Type           types.MessageType `json:"type"`
}

type PageRequest struct {
	ConversationId string `json:"conversationId"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
}

type CreateConversationRequest struct {
	Username string `json:"username"`
}

type TypingRequest struct {
	ConversationId string `json:"conversationId"`
	RecipientId    string `json:"recipientId"`
}

type BidRequest struct {
	BidId  string `json:"bidId"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type SendBidMessageRequest struct {
	BidId   string            `json:"bidId"`
	Content string            `json:"content"`
	Type    types.MessageType `json:"type"`
}

type MessageReadRequest struct {
	ConversationId string `json:"conversationId"`
	// UserId is the author whose messages were read.
	UserId string `json:"userId"`
}

type UserStatusRequest struct {
	UserIds []string `json:"userIds"`
}

type SetUserStatusRequest struct {
	Status types.PresenceStatus `json:"status"`
}

type AdminMessageRequest struct {
	UserId  string `json:"userId"`
	Content string `json:"content"`
}

type ViolationsRequest struct {
	UserId string `json:"userId"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type ResolveViolationRequest struct {
	ViolationKey string `json:"violationKey"`
}

type BroadcastRequest struct {
	Content string `json:"content"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	// Cooldown is in milliseconds.
	Cooldown int64 `json:"cooldown,omitempty"`
}

// MessagePage answers joinConversation and loadMoreMessages. Messages are
// in chronological order.
type MessagePage struct {
	ConversationId string          `json:"conversationId"`
	Messages       []types.Message `json:"messages"`
	Offset         int             `json:"offset"`
	HasMore        bool            `json:"hasMore"`
	RemainingCount int             `json:"remainingCount"`
}

type TypingNotice struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
	Username       string `json:"username"`
}

type StatusUpdate struct {
	ConversationId string          `json:"conversationId"`
	Messages       []types.Message `json:"messages"`
}

type UserStatus struct {
	UserId   string               `json:"userId"`
	Status   types.PresenceStatus `json:"status"`
	LastSeen *time.Time           `json:"lastSeen,omitempty"`
}

func newUserStatus(userId string, rec types.PresenceRecord) UserStatus {
	us := UserStatus{UserId: userId, Status: rec.Status}
	if !rec.LastSeen.IsZero() {
		us.LastSeen = &rec.LastSeen
	}
	return us
}

type BidMessages struct {
	BidId          string          `json:"bidId"`
	BidChatId      string          `json:"bidChatId,omitempty"`
	Messages       []types.Message `json:"messages"`
	Offset         int             `json:"offset"`
	HasMore        bool            `json:"hasMore"`
	RemainingCount int             `json:"remainingCount"`
}

type BidMessage struct {
	BidId   string        `json:"bidId"`
	Message types.Message `json:"message"`
}

type BidMembership struct {
	BidId    string `json:"bidId"`
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

type ViolationAlert struct {
	Violation types.Violation `json:"violation"`
	Username  string          `json:"username,omitempty"`
}

type ViolationsData struct {
	Violations []types.Violation `json:"violations"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

const (
	BroadcastSuccess = "success"
	BroadcastFailed  = "failed"
)

type BroadcastResult struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type BroadcastResults struct {
	Total   int               `json:"total"`
	Success int               `json:"success"`
	Failed  int               `json:"failed"`
	Results []BroadcastResult `json:"results"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
