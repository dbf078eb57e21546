package types

import (
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// SystemUsername identifies the synthetic account used as the sender of
// automated notices.
const SystemUsername = "system"

type User struct {
	Id        string    `json:"id"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar,omitempty"`
	Role      Role      `json:"role,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u User) IsSystem() bool {
	return u.Username == SystemUsername
}

// Snapshot returns the denormalized sender identity stored on a message.
func (u User) Snapshot() Sender {
	return Sender{Id: u.Id, Username: u.Username, Avatar: u.Avatar}
}

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
	ConversationSelf    ConversationType = "self"
)

type Conversation struct {
	Id           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []User           `json:"participants"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// HasParticipant reports whether the user id or username is a member.
func (c Conversation) HasParticipant(idOrUsername string) bool {
	for _, p := range c.Participants {
		if p.Id == idOrUsername || p.Username == idOrUsername {
			return true
		}
	}
	return false
}

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageVideo   MessageType = "video"
	MessageFile    MessageType = "file"
	MessageSticker MessageType = "sticker"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageFile, MessageSticker:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advance returns the status after moving towards next. Statuses only move
// forward; a regression leaves the current status in place and reports false.
func (s MessageStatus) Advance(next MessageStatus) (MessageStatus, bool) {
	if next.rank() <= s.rank() {
		return s, false
	}
	return next, true
}

// Sender is a point-in-time copy of the author's identity. Later profile
// edits do not change it.
type Sender struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type Message struct {
	Id             string        `json:"id"`
	ConversationId string        `json:"conversationId,omitempty"`
	BidChatId      string        `json:"bidChatId,omitempty"`
	Sender         Sender        `json:"sender"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
}

type BidChat struct {
	Id            string    `json:"id"`
	BidId         string    `json:"bidId"`
	Participants  []string  `json:"participants"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	IsActive      bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

type PresenceRecord struct {
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen,omitempty"`
}

type Violation struct {
	Key       string    `json:"key"`
	UserId    string    `json:"userId"`
	Type      string    `json:"violationType"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}
