package database

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/market-chat/internal/types"
)

// MemoryChatRepository keeps everything in process memory. It backs the
// "memory" DSN and the gateway tests.
type MemoryChatRepository struct {
	mu            sync.RWMutex
	users         map[string]types.User
	conversations map[string]*memConversation
	pairs         map[string]string
	messages      map[string]*types.Message
	// message ids per conversation or bid chat, oldest first
	threads  map[string][]string
	bidChats map[string]*types.BidChat
	seq      int64
}

type memConversation struct {
	conv           types.Conversation
	participantIds []string
	lastMessageId  string
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		users:         make(map[string]types.User),
		conversations: make(map[string]*memConversation),
		pairs:         make(map[string]string),
		messages:      make(map[string]*types.Message),
		threads:       make(map[string][]string),
		bidChats:      make(map[string]*types.BidChat),
	}
}

func (r *MemoryChatRepository) Ping() error {
	return nil
}

// now returns a strictly increasing timestamp so that ordering by creation
// time is stable within the store.
func (r *MemoryChatRepository) now() time.Time {
	r.seq++
	return time.Now().UTC().Add(time.Duration(r.seq))
}

func (r *MemoryChatRepository) GetUserById(id string) (types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryChatRepository) GetUserByUsername(username string) (types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.userByUsername(username)
}

func (r *MemoryChatRepository) userByUsername(username string) (types.User, error) {
	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return types.User{}, ErrNotFound
}

func (r *MemoryChatRepository) UpsertUser(params UpsertUserParams) (types.User, error) {
	if params.Username == "" {
		return types.User{}, ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if u, err := r.userByUsername(params.Username); err == nil {
		u.Avatar = params.Avatar
		u.Role = normalizeRole(params.Role)
		u.UpdatedAt = now
		r.users[u.Id] = u
		return u, nil
	}

	id := params.Id
	if id == "" {
		id = newUserId()
	}
	if _, ok := r.users[id]; ok {
		return types.User{}, ErrInvalidInput
	}

	u := types.User{
		Id:        id,
		Username:  params.Username,
		Avatar:    params.Avatar,
		Role:      normalizeRole(params.Role),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.users[id] = u
	return u, nil
}

func (r *MemoryChatRepository) SearchUsers(query string, limit int) ([]types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q := strings.ToLower(query)
	var users []types.User
	for _, u := range r.users {
		if strings.Contains(strings.ToLower(u.Username), q) {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (r *MemoryChatRepository) ListUsers() ([]types.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]types.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func (r *MemoryChatRepository) hydrate(mc *memConversation) types.Conversation {
	conv := mc.conv
	conv.Participants = make([]types.User, 0, len(mc.participantIds))
	for _, id := range mc.participantIds {
		if u, ok := r.users[id]; ok {
			conv.Participants = append(conv.Participants, u)
		}
	}
	if m, ok := r.messages[mc.lastMessageId]; ok {
		last := *m
		conv.LastMessage = &last
	}
	return conv
}

func (r *MemoryChatRepository) GetConversation(id string) (types.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mc, ok := r.conversations[id]
	if !ok {
		return types.Conversation{}, ErrNotFound
	}
	return r.hydrate(mc), nil
}

func (r *MemoryChatRepository) GetOrCreateConversation(params CreateConversationParams) (types.Conversation, bool, error) {
	key, err := pairKey(params.Type, params.ParticipantIds)
	if err != nil {
		return types.Conversation{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if key != "" {
		if id, ok := r.pairs[string(params.Type)+"/"+key]; ok {
			return r.hydrate(r.conversations[id]), false, nil
		}
	}

	id, err := newConversationId()
	if err != nil {
		return types.Conversation{}, false, err
	}

	now := r.now()
	mc := &memConversation{
		conv: types.Conversation{
			Id:        id,
			Type:      params.Type,
			CreatedAt: now,
			UpdatedAt: now,
		},
		participantIds: slices.Clone(params.ParticipantIds),
	}
	r.conversations[id] = mc
	if key != "" {
		r.pairs[string(params.Type)+"/"+key] = id
	}

	return r.hydrate(mc), true, nil
}

func (r *MemoryChatRepository) ListConversations(userId string) ([]types.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	convs := []types.Conversation{}
	for _, mc := range r.conversations {
		if slices.Contains(mc.participantIds, userId) {
			convs = append(convs, r.hydrate(mc))
		}
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	return convs, nil
}

func (r *MemoryChatRepository) AppendMessage(conversationId, messageId string, at time.Time) (types.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mc, ok := r.conversations[conversationId]
	if !ok {
		return types.Conversation{}, ErrNotFound
	}
	mc.lastMessageId = messageId
	mc.conv.UpdatedAt = at
	return r.hydrate(mc), nil
}

func (r *MemoryChatRepository) insertMessage(threadId string, params CreateMessageParams) types.Message {
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	m := &types.Message{
		Id:             newMessageId(),
		ConversationId: params.ConversationId,
		BidChatId:      params.BidChatId,
		Sender:         params.Sender,
		Type:           params.Type,
		Content:        params.Content,
		Status:         types.StatusSent,
		CreatedAt:      createdAt,
	}
	r.messages[m.Id] = m
	r.threads[threadId] = append(r.threads[threadId], m.Id)
	return *m
}

func (r *MemoryChatRepository) CreateMessage(params CreateMessageParams) (types.Message, error) {
	if params.ConversationId == "" || params.BidChatId != "" {
		return types.Message{}, ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[params.ConversationId]; !ok {
		return types.Message{}, ErrNotFound
	}
	return r.insertMessage(params.ConversationId, params), nil
}

// page returns messages of a thread newest first.
func (r *MemoryChatRepository) page(threadId string, limit, skip int) []types.Message {
	ids := r.threads[threadId]
	messages := []types.Message{}
	for i := len(ids) - 1 - skip; i >= 0 && len(messages) < limit; i-- {
		messages = append(messages, *r.messages[ids[i]])
	}
	return messages
}

func (r *MemoryChatRepository) GetMessages(conversationId string, limit, skip int) ([]types.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.page(conversationId, limit, skip), nil
}

func (r *MemoryChatRepository) CountMessages(conversationId string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.threads[conversationId]), nil
}

func (r *MemoryChatRepository) MarkMessagesRead(params MarkReadParams) ([]types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := []types.Message{}
	for _, id := range r.threads[params.ConversationId] {
		m := r.messages[id]
		if params.SenderId != "" && m.Sender.Id != params.SenderId {
			continue
		}
		if params.SenderId == "" && m.Sender.Id == params.ReaderId {
			continue
		}
		if next, ok := m.Status.Advance(types.StatusRead); ok {
			m.Status = next
			changed = append(changed, *m)
		}
	}
	return changed, nil
}

func (r *MemoryChatRepository) GetBidChat(bidId string) (types.BidChat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bc, ok := r.bidChats[bidId]
	if !ok {
		return types.BidChat{}, ErrNotFound
	}
	return cloneBidChat(bc), nil
}

func cloneBidChat(bc *types.BidChat) types.BidChat {
	c := *bc
	c.Participants = slices.Clone(bc.Participants)
	return c
}

func (r *MemoryChatRepository) AddBidChatParticipant(bidId, userId string) (types.BidChat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bc, ok := r.bidChats[bidId]
	if !ok {
		id, err := newConversationId()
		if err != nil {
			return types.BidChat{}, err
		}
		bc = &types.BidChat{
			Id:           id,
			BidId:        bidId,
			Participants: []string{},
			IsActive:     true,
			CreatedAt:    now,
		}
		r.bidChats[bidId] = bc
	}
	if !slices.Contains(bc.Participants, userId) {
		bc.Participants = append(bc.Participants, userId)
	}
	bc.UpdatedAt = now
	return cloneBidChat(bc), nil
}

func (r *MemoryChatRepository) RemoveBidChatParticipant(bidId, userId string) (types.BidChat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bc, ok := r.bidChats[bidId]
	if !ok {
		return types.BidChat{}, ErrNotFound
	}
	bc.Participants = slices.DeleteFunc(bc.Participants, func(id string) bool { return id == userId })
	bc.UpdatedAt = r.now()
	return cloneBidChat(bc), nil
}

func (r *MemoryChatRepository) CreateBidMessage(params CreateMessageParams) (types.Message, error) {
	if params.BidChatId == "" || params.ConversationId != "" {
		return types.Message{}, ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var bc *types.BidChat
	for _, c := range r.bidChats {
		if c.Id == params.BidChatId {
			bc = c
			break
		}
	}
	if bc == nil {
		return types.Message{}, ErrNotFound
	}

	m := r.insertMessage(params.BidChatId, params)
	bc.LastMessage = m.Content
	bc.LastMessageAt = m.CreatedAt
	bc.UpdatedAt = m.CreatedAt
	return m, nil
}

func (r *MemoryChatRepository) GetBidMessages(bidChatId string, limit, skip int) ([]types.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.page(bidChatId, limit, skip), nil
}

func (r *MemoryChatRepository) CountBidMessages(bidChatId string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.threads[bidChatId]), nil
}
