package database

import (
	"time"

	"github.com/npezzotti/market-chat/internal/types"
)

// ChatRepository is the narrow persistence contract the gateway needs:
// users, conversations, messages and bid-room chats.
type ChatRepository interface {
	Ping() error

	GetUserById(id string) (types.User, error)
	GetUserByUsername(username string) (types.User, error)
	UpsertUser(params UpsertUserParams) (types.User, error)
	SearchUsers(query string, limit int) ([]types.User, error)
	ListUsers() ([]types.User, error)

	GetConversation(id string) (types.Conversation, error)
	// GetOrCreateConversation returns the existing private or self
	// conversation for the participant set, creating it when absent. The
	// boolean reports whether a new conversation was created.
	GetOrCreateConversation(params CreateConversationParams) (types.Conversation, bool, error)
	ListConversations(userId string) ([]types.Conversation, error)
	AppendMessage(conversationId, messageId string, at time.Time) (types.Conversation, error)

	CreateMessage(params CreateMessageParams) (types.Message, error)
	// GetMessages returns a page of messages newest first.
	GetMessages(conversationId string, limit, skip int) ([]types.Message, error)
	CountMessages(conversationId string) (int, error)
	MarkMessagesRead(params MarkReadParams) ([]types.Message, error)

	GetBidChat(bidId string) (types.BidChat, error)
	AddBidChatParticipant(bidId, userId string) (types.BidChat, error)
	RemoveBidChatParticipant(bidId, userId string) (types.BidChat, error)
	CreateBidMessage(params CreateMessageParams) (types.Message, error)
	GetBidMessages(bidChatId string, limit, skip int) ([]types.Message, error)
	CountBidMessages(bidChatId string) (int, error)
}
