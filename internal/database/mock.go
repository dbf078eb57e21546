package database

import (
	"time"

	"github.com/npezzotti/market-chat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) GetUserById(id string) (types.User, error) {
	args := m.Called(id)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) GetUserByUsername(username string) (types.User, error) {
	args := m.Called(username)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) UpsertUser(params UpsertUserParams) (types.User, error) {
	args := m.Called(params)
	return args.Get(0).(types.User), args.Error(1)
}
func (m *MockChatRepository) SearchUsers(query string, limit int) ([]types.User, error) {
	args := m.Called(query, limit)
	return args.Get(0).([]types.User), args.Error(1)
}
func (m *MockChatRepository) ListUsers() ([]types.User, error) {
	args := m.Called()
	return args.Get(0).([]types.User), args.Error(1)
}
func (m *MockChatRepository) GetConversation(id string) (types.Conversation, error) {
	args := m.Called(id)
	return args.Get(0).(types.Conversation), args.Error(1)
}
func (m *MockChatRepository) GetOrCreateConversation(params CreateConversationParams) (types.Conversation, bool, error) {
	args := m.Called(params)
	return args.Get(0).(types.Conversation), args.Bool(1), args.Error(2)
}
func (m *MockChatRepository) ListConversations(userId string) ([]types.Conversation, error) {
	args := m.Called(userId)
	return args.Get(0).([]types.Conversation), args.Error(1)
}
func (m *MockChatRepository) AppendMessage(conversationId, messageId string, at time.Time) (types.Conversation, error) {
	args := m.Called(conversationId, messageId, at)
	return args.Get(0).(types.Conversation), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(params CreateMessageParams) (types.Message, error) {
	args := m.Called(params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(conversationId string, limit, skip int) ([]types.Message, error) {
	args := m.Called(conversationId, limit, skip)
	return args.Get(0).([]types.Message), args.Error(1)
}
func (m *MockChatRepository) CountMessages(conversationId string) (int, error) {
	args := m.Called(conversationId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) MarkMessagesRead(params MarkReadParams) ([]types.Message, error) {
	args := m.Called(params)
	return args.Get(0).([]types.Message), args.Error(1)
}
func (m *MockChatRepository) GetBidChat(bidId string) (types.BidChat, error) {
	args := m.Called(bidId)
	return args.Get(0).(types.BidChat), args.Error(1)
}
func (m *MockChatRepository) AddBidChatParticipant(bidId, userId string) (types.BidChat, error) {
	args := m.Called(bidId, userId)
	return args.Get(0).(types.BidChat), args.Error(1)
}
func (m *MockChatRepository) RemoveBidChatParticipant(bidId, userId string) (types.BidChat, error) {
	args := m.Called(bidId, userId)
	return args.Get(0).(types.BidChat), args.Error(1)
}
func (m *MockChatRepository) CreateBidMessage(params CreateMessageParams) (types.Message, error) {
	args := m.Called(params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) GetBidMessages(bidChatId string, limit, skip int) ([]types.Message, error) {
	args := m.Called(bidChatId, limit, skip)
	return args.Get(0).([]types.Message), args.Error(1)
}
func (m *MockChatRepository) CountBidMessages(bidChatId string) (int, error) {
	args := m.Called(bidChatId)
	return args.Int(0), args.Error(1)
}
