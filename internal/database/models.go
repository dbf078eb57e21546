package database

import (
	"time"

	"github.com/npezzotti/market-chat/internal/types"
)

type UpsertUserParams struct {
	// Id is used when a new user is inserted. Empty generates one.
	Id       string     `json:"id"`
	Username string     `json:"username"`
	Avatar   string     `json:"avatar"`
	Role     types.Role `json:"role"`
}

type CreateConversationParams struct {
	Type           types.ConversationType
	ParticipantIds []string
}

type CreateMessageParams struct {
	ConversationId string
	BidChatId      string
	Sender         types.Sender
	Type           types.MessageType
	Content        string
	CreatedAt      time.Time
}

// MarkReadParams selects the messages of a conversation to mark as read.
// With SenderId set only that sender's messages change, otherwise every
// message not authored by ReaderId does.
type MarkReadParams struct {
	ConversationId string
	SenderId       string
	ReaderId       string
}
