package database

import (
	"testing"
	"time"

	"github.com/npezzotti/market-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUsers(t *testing.T, r *MemoryChatRepository, names ...string) []types.User {
	t.Helper()
	users := make([]types.User, 0, len(names))
	for _, name := range names {
		u, err := r.UpsertUser(UpsertUserParams{Username: name})
		require.NoError(t, err, "expected no error seeding user %q", name)
		users = append(users, u)
	}
	return users
}

func TestMemoryPrivateConversationIsUniquePerPair(t *testing.T) {
	r := NewMemoryChatRepository()
	users := seedUsers(t, r, "alice", "bob")
	a, b := users[0], users[1]

	first, created, err := r.GetOrCreateConversation(CreateConversationParams{
		Type:           types.ConversationPrivate,
		ParticipantIds: []string{a.Id, b.Id},
	})
	require.NoError(t, err)
	assert.True(t, created, "expected first call to create the conversation")

	second, created, err := r.GetOrCreateConversation(CreateConversationParams{
		Type:           types.ConversationPrivate,
		ParticipantIds: []string{b.Id, a.Id},
	})
	require.NoError(t, err)
	assert.False(t, created, "expected reversed call to reuse the conversation")
	assert.Equal(t, first.Id, second.Id, "expected the same conversation regardless of order")

	convs, err := r.ListConversations(a.Id)
	require.NoError(t, err)
	assert.Len(t, convs, 1, "expected exactly one conversation for the pair")
}

func TestMemorySelfConversationIsUnique(t *testing.T) {
	r := NewMemoryChatRepository()
	u := seedUsers(t, r, "alice")[0]

	var ids []string
	for i := 0; i < 3; i++ {
		conv, _, err := r.GetOrCreateConversation(CreateConversationParams{
			Type:           types.ConversationSelf,
			ParticipantIds: []string{u.Id},
		})
		require.NoError(t, err)
		ids = append(ids, conv.Id)
	}

	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
}

func TestMemoryConversationParticipantValidation(t *testing.T) {
	r := NewMemoryChatRepository()
	tcases := []struct {
		name   string
		params CreateConversationParams
	}{
		{name: "private with one participant", params: CreateConversationParams{Type: types.ConversationPrivate, ParticipantIds: []string{"a"}}},
		{name: "private with same participant twice", params: CreateConversationParams{Type: types.ConversationPrivate, ParticipantIds: []string{"a", "a"}}},
		{name: "self with two participants", params: CreateConversationParams{Type: types.ConversationSelf, ParticipantIds: []string{"a", "b"}}},
		{name: "group with one participant", params: CreateConversationParams{Type: types.ConversationGroup, ParticipantIds: []string{"a"}}},
		{name: "unknown type", params: CreateConversationParams{Type: "channel", ParticipantIds: []string{"a", "b"}}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := r.GetOrCreateConversation(tc.params)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestMemoryMessagesPagingAndRead(t *testing.T) {
	r := NewMemoryChatRepository()
	users := seedUsers(t, r, "alice", "bob")
	a, b := users[0], users[1]

	conv, _, err := r.GetOrCreateConversation(CreateConversationParams{
		Type:           types.ConversationPrivate,
		ParticipantIds: []string{a.Id, b.Id},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		sender := a
		if i%2 == 1 {
			sender = b
		}
		_, err := r.CreateMessage(CreateMessageParams{
			ConversationId: conv.Id,
			Sender:         sender.Snapshot(),
			Type:           types.MessageText,
			Content:        string(rune('a' + i)),
		})
		require.NoError(t, err)
	}

	count, err := r.CountMessages(conv.Id)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	page, err := r.GetMessages(conv.Id, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e", page[0].Content, "expected newest message first")
	assert.Equal(t, "d", page[1].Content)

	page, err = r.GetMessages(conv.Id, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].Content)

	changed, err := r.MarkMessagesRead(MarkReadParams{ConversationId: conv.Id, SenderId: a.Id})
	require.NoError(t, err)
	assert.Len(t, changed, 3, "expected only alice's messages to change")

	changed, err = r.MarkMessagesRead(MarkReadParams{ConversationId: conv.Id, SenderId: a.Id})
	require.NoError(t, err)
	assert.Empty(t, changed, "expected no delta on a second pass")

	changed, err = r.MarkMessagesRead(MarkReadParams{ConversationId: conv.Id, ReaderId: a.Id})
	require.NoError(t, err)
	assert.Len(t, changed, 2, "expected bob's messages to change for reader alice")
	for _, m := range changed {
		assert.Equal(t, types.StatusRead, m.Status)
	}
}

func TestMemoryAppendMessage(t *testing.T) {
	r := NewMemoryChatRepository()
	users := seedUsers(t, r, "alice", "bob")

	conv, _, err := r.GetOrCreateConversation(CreateConversationParams{
		Type:           types.ConversationPrivate,
		ParticipantIds: []string{users[0].Id, users[1].Id},
	})
	require.NoError(t, err)

	msg, err := r.CreateMessage(CreateMessageParams{
		ConversationId: conv.Id,
		Sender:         users[0].Snapshot(),
		Type:           types.MessageText,
		Content:        "hello",
	})
	require.NoError(t, err)

	at := time.Now().UTC().Add(time.Minute)
	updated, err := r.AppendMessage(conv.Id, msg.Id, at)
	require.NoError(t, err)
	require.NotNil(t, updated.LastMessage)
	assert.Equal(t, msg.Id, updated.LastMessage.Id)
	assert.Equal(t, at, updated.UpdatedAt)

	_, err = r.AppendMessage("missing", msg.Id, at)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBidChatParticipants(t *testing.T) {
	r := NewMemoryChatRepository()

	bc, err := r.AddBidChatParticipant("bid-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, bc.Participants)
	assert.True(t, bc.IsActive)

	bc, err = r.AddBidChatParticipant("bid-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, bc.Participants, "expected join to be idempotent")

	bc, err = r.AddBidChatParticipant("bid-1", "u2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, bc.Participants)

	bc, err = r.RemoveBidChatParticipant("bid-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, bc.Participants)

	_, err = r.RemoveBidChatParticipant("bid-missing", "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	msg, err := r.CreateBidMessage(CreateMessageParams{
		BidChatId: bc.Id,
		Sender:    types.Sender{Id: "u2", Username: "bob"},
		Type:      types.MessageText,
		Content:   "I bid 10",
	})
	require.NoError(t, err)
	assert.Equal(t, bc.Id, msg.BidChatId)
	assert.Empty(t, msg.ConversationId)

	bc, err = r.GetBidChat("bid-1")
	require.NoError(t, err)
	assert.Equal(t, "I bid 10", bc.LastMessage)
	assert.Equal(t, msg.CreatedAt, bc.LastMessageAt)
}

func TestMemoryUpsertAndSearchUsers(t *testing.T) {
	r := NewMemoryChatRepository()
	seedUsers(t, r, "Alice", "alicia", "bob")

	u, err := r.UpsertUser(UpsertUserParams{Username: "bob", Avatar: "https://cdn/b.png", Role: types.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, u.Role)

	all, err := r.ListUsers()
	require.NoError(t, err)
	assert.Len(t, all, 3, "expected upsert by username not to create a duplicate")

	found, err := r.SearchUsers("ALI", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2, "expected case-insensitive substring match")

	_, err = r.UpsertUser(UpsertUserParams{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
