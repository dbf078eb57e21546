package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/market-chat/internal/types"
)

const (
	userColumns    = "id, username, avatar, role, created_at, updated_at"
	messageColumns = "id, conversation_id, bid_chat_id, sender_id, sender_username, sender_avatar, type, content, status, created_at"
	bidChatColumns = "id, bid_id, participant_ids, last_message, last_message_at, is_active, created_at, updated_at"
	convColumns    = "id, type, participant_ids, last_message_id, created_at, updated_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanUser(row scanner) (types.User, error) {
	var (
		u    types.User
		role string
	)
	err := row.Scan(&u.Id, &u.Username, &u.Avatar, &role, &u.CreatedAt, &u.UpdatedAt)
	u.Role = types.Role(role)
	return u, err
}

func scanMessage(row scanner) (types.Message, error) {
	var (
		m              types.Message
		conversationId sql.NullString
		bidChatId      sql.NullString
		msgType        string
		status         string
	)
	err := row.Scan(
		&m.Id,
		&conversationId,
		&bidChatId,
		&m.Sender.Id,
		&m.Sender.Username,
		&m.Sender.Avatar,
		&msgType,
		&m.Content,
		&status,
		&m.CreatedAt,
	)
	m.ConversationId = conversationId.String
	m.BidChatId = bidChatId.String
	m.Type = types.MessageType(msgType)
	m.Status = types.MessageStatus(status)
	return m, err
}

func scanBidChat(row scanner) (types.BidChat, error) {
	var (
		bc            types.BidChat
		participants  pq.StringArray
		lastMessageAt sql.NullTime
	)
	err := row.Scan(
		&bc.Id,
		&bc.BidId,
		&participants,
		&bc.LastMessage,
		&lastMessageAt,
		&bc.IsActive,
		&bc.CreatedAt,
		&bc.UpdatedAt,
	)
	bc.Participants = []string(participants)
	if bc.Participants == nil {
		bc.Participants = []string{}
	}
	bc.LastMessageAt = lastMessageAt.Time
	return bc, err
}

// conversationRow is a conversation before its participants and last
// message have been loaded.
type conversationRow struct {
	conv           types.Conversation
	participantIds []string
	lastMessageId  string
}

func scanConversationRow(row scanner) (conversationRow, error) {
	var (
		cr            conversationRow
		ctype         string
		participants  pq.StringArray
		lastMessageId sql.NullString
	)
	err := row.Scan(
		&cr.conv.Id,
		&ctype,
		&participants,
		&lastMessageId,
		&cr.conv.CreatedAt,
		&cr.conv.UpdatedAt,
	)
	cr.conv.Type = types.ConversationType(ctype)
	cr.participantIds = []string(participants)
	cr.lastMessageId = lastMessageId.String
	return cr, err
}

func (db *PgChatRepository) GetUserById(id string) (types.User, error) {
	row := db.conn.QueryRow("SELECT "+userColumns+" FROM users WHERE id = $1 LIMIT 1", id)
	u, err := scanUser(row)
	return u, notFound(err)
}

func (db *PgChatRepository) GetUserByUsername(username string) (types.User, error) {
	row := db.conn.QueryRow("SELECT "+userColumns+" FROM users WHERE username = $1 LIMIT 1", username)
	u, err := scanUser(row)
	return u, notFound(err)
}

func (db *PgChatRepository) UpsertUser(params UpsertUserParams) (types.User, error) {
	if params.Username == "" {
		return types.User{}, ErrInvalidInput
	}
	id := params.Id
	if id == "" {
		id = newUserId()
	}

	row := db.conn.QueryRow(
		"INSERT INTO users (id, username, avatar, role, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) "+
			"ON CONFLICT (username) DO UPDATE SET avatar = EXCLUDED.avatar, role = EXCLUDED.role, updated_at = EXCLUDED.updated_at "+
			"RETURNING "+userColumns,
		id,
		params.Username,
		params.Avatar,
		string(normalizeRole(params.Role)),
		time.Now().UTC(),
	)

	return scanUser(row)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

func (db *PgChatRepository) SearchUsers(query string, limit int) ([]types.User, error) {
	rows, err := db.conn.Query(
		"SELECT "+userColumns+" FROM users WHERE username ILIKE '%' || $1 || '%' ORDER BY username LIMIT $2",
		escapeLike(query),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

func (db *PgChatRepository) ListUsers() ([]types.User, error) {
	rows, err := db.conn.Query("SELECT " + userColumns + " FROM users ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]types.User, error) {
	var users []types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgChatRepository) GetConversation(id string) (types.Conversation, error) {
	row := db.conn.QueryRow("SELECT "+convColumns+" FROM conversations WHERE id = $1", id)
	cr, err := scanConversationRow(row)
	if err != nil {
		return types.Conversation{}, notFound(err)
	}

	convs, err := db.hydrateConversations([]conversationRow{cr})
	if err != nil {
		return types.Conversation{}, err
	}

	return convs[0], nil
}

func (db *PgChatRepository) GetOrCreateConversation(params CreateConversationParams) (types.Conversation, bool, error) {
	key, err := pairKey(params.Type, params.ParticipantIds)
	if err != nil {
		return types.Conversation{}, false, err
	}

	id, err := newConversationId()
	if err != nil {
		return types.Conversation{}, false, fmt.Errorf("generate id: %w", err)
	}

	var pk sql.NullString
	if key != "" {
		pk = sql.NullString{String: key, Valid: true}
	}

	var insertedId string
	err = db.conn.QueryRow(
		"INSERT INTO conversations (id, type, participant_ids, pair_key, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) "+
			"ON CONFLICT (type, pair_key) WHERE pair_key IS NOT NULL DO NOTHING RETURNING id",
		id,
		string(params.Type),
		pq.Array(params.ParticipantIds),
		pk,
		time.Now().UTC(),
	).Scan(&insertedId)

	switch {
	case err == nil:
		conv, err := db.GetConversation(insertedId)
		return conv, true, err
	case errors.Is(err, sql.ErrNoRows):
		// the conversation already exists for this participant set
		row := db.conn.QueryRow(
			"SELECT "+convColumns+" FROM conversations WHERE type = $1 AND pair_key = $2",
			string(params.Type),
			key,
		)
		cr, err := scanConversationRow(row)
		if err != nil {
			return types.Conversation{}, false, notFound(err)
		}
		convs, err := db.hydrateConversations([]conversationRow{cr})
		if err != nil {
			return types.Conversation{}, false, err
		}
		return convs[0], false, nil
	default:
		return types.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
}

func (db *PgChatRepository) ListConversations(userId string) ([]types.Conversation, error) {
	rows, err := db.conn.Query(
		"SELECT "+convColumns+" FROM conversations WHERE $1 = ANY(participant_ids) ORDER BY updated_at DESC",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var crs []conversationRow
	for rows.Next() {
		cr, err := scanConversationRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		crs = append(crs, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return db.hydrateConversations(crs)
}

// hydrateConversations loads participants and last messages for a batch of
// conversation rows with one query each.
func (db *PgChatRepository) hydrateConversations(crs []conversationRow) ([]types.Conversation, error) {
	if len(crs) == 0 {
		return []types.Conversation{}, nil
	}

	var userIds, messageIds []string
	for _, cr := range crs {
		userIds = append(userIds, cr.participantIds...)
		if cr.lastMessageId != "" {
			messageIds = append(messageIds, cr.lastMessageId)
		}
	}

	users := make(map[string]types.User)
	rows, err := db.conn.Query("SELECT "+userColumns+" FROM users WHERE id = ANY($1)", pq.Array(userIds))
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		users[u.Id] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	messages := make(map[string]types.Message)
	if len(messageIds) > 0 {
		mrows, err := db.conn.Query("SELECT "+messageColumns+" FROM messages WHERE id = ANY($1)", pq.Array(messageIds))
		if err != nil {
			return nil, fmt.Errorf("load last messages: %w", err)
		}
		defer mrows.Close()
		for mrows.Next() {
			m, err := scanMessage(mrows)
			if err != nil {
				return nil, fmt.Errorf("scan last message: %w", err)
			}
			messages[m.Id] = m
		}
		if err := mrows.Err(); err != nil {
			return nil, err
		}
	}

	convs := make([]types.Conversation, 0, len(crs))
	for _, cr := range crs {
		conv := cr.conv
		conv.Participants = make([]types.User, 0, len(cr.participantIds))
		for _, id := range cr.participantIds {
			if u, ok := users[id]; ok {
				conv.Participants = append(conv.Participants, u)
			}
		}
		if m, ok := messages[cr.lastMessageId]; ok {
			conv.LastMessage = &m
		}
		convs = append(convs, conv)
	}

	return convs, nil
}

func (db *PgChatRepository) AppendMessage(conversationId, messageId string, at time.Time) (types.Conversation, error) {
	res, err := db.conn.Exec(
		"UPDATE conversations SET last_message_id = $2, updated_at = $3 WHERE id = $1",
		conversationId,
		messageId,
		at,
	)
	if err != nil {
		return types.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.Conversation{}, ErrNotFound
	}

	return db.GetConversation(conversationId)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *PgChatRepository) insertMessage(q interface {
	QueryRow(query string, args ...any) *sql.Row
}, params CreateMessageParams) (types.Message, error) {
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := q.QueryRow(
		"INSERT INTO messages (id, conversation_id, bid_chat_id, sender_id, sender_username, sender_avatar, type, content, status, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING "+messageColumns,
		newMessageId(),
		nullString(params.ConversationId),
		nullString(params.BidChatId),
		params.Sender.Id,
		params.Sender.Username,
		params.Sender.Avatar,
		string(params.Type),
		params.Content,
		string(types.StatusSent),
		createdAt,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (types.Message, error) {
	if params.ConversationId == "" || params.BidChatId != "" {
		return types.Message{}, ErrInvalidInput
	}

	return db.insertMessage(db.conn, params)
}

func (db *PgChatRepository) GetMessages(conversationId string, limit, skip int) ([]types.Message, error) {
	return db.queryMessages("conversation_id", conversationId, limit, skip)
}

func (db *PgChatRepository) CountMessages(conversationId string) (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM messages WHERE conversation_id = $1", conversationId).Scan(&n)
	return n, err
}

func (db *PgChatRepository) queryMessages(column, id string, limit, skip int) ([]types.Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages WHERE "+column+" = $1 "+
			"ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		id,
		limit,
		skip,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]types.Message, error) {
	messages := []types.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) MarkMessagesRead(params MarkReadParams) ([]types.Message, error) {
	// status only moves forward, so rows already read are left alone
	rows, err := db.conn.Query(
		"UPDATE messages SET status = $4 WHERE conversation_id = $1 AND status <> $4 "+
			"AND (($2 <> '' AND sender_id = $2) OR ($2 = '' AND sender_id <> $3)) "+
			"RETURNING "+messageColumns,
		params.ConversationId,
		params.SenderId,
		params.ReaderId,
		string(types.StatusRead),
	)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (db *PgChatRepository) GetBidChat(bidId string) (types.BidChat, error) {
	row := db.conn.QueryRow("SELECT "+bidChatColumns+" FROM bid_chats WHERE bid_id = $1", bidId)
	bc, err := scanBidChat(row)
	return bc, notFound(err)
}

func (db *PgChatRepository) AddBidChatParticipant(bidId, userId string) (types.BidChat, error) {
	id, err := newConversationId()
	if err != nil {
		return types.BidChat{}, fmt.Errorf("generate id: %w", err)
	}

	row := db.conn.QueryRow(
		"INSERT INTO bid_chats (id, bid_id, participant_ids, is_active, created_at, updated_at) "+
			"VALUES ($1, $2, ARRAY[$3::TEXT], TRUE, $4, $4) "+
			"ON CONFLICT (bid_id) DO UPDATE SET "+
			"participant_ids = CASE WHEN $3 = ANY(bid_chats.participant_ids) "+
			"THEN bid_chats.participant_ids ELSE array_append(bid_chats.participant_ids, $3) END, "+
			"updated_at = $4 "+
			"RETURNING "+bidChatColumns,
		id,
		bidId,
		userId,
		time.Now().UTC(),
	)

	return scanBidChat(row)
}

func (db *PgChatRepository) RemoveBidChatParticipant(bidId, userId string) (types.BidChat, error) {
	row := db.conn.QueryRow(
		"UPDATE bid_chats SET participant_ids = array_remove(participant_ids, $2), updated_at = $3 "+
			"WHERE bid_id = $1 RETURNING "+bidChatColumns,
		bidId,
		userId,
		time.Now().UTC(),
	)

	bc, err := scanBidChat(row)
	return bc, notFound(err)
}

func (db *PgChatRepository) CreateBidMessage(params CreateMessageParams) (types.Message, error) {
	if params.BidChatId == "" || params.ConversationId != "" {
		return types.Message{}, ErrInvalidInput
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return types.Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	msg, err := db.insertMessage(tx, params)
	if err != nil {
		return types.Message{}, fmt.Errorf("insert bid message: %w", err)
	}

	res, err := tx.Exec(
		"UPDATE bid_chats SET last_message = $2, last_message_at = $3, updated_at = $3 WHERE id = $1",
		params.BidChatId,
		msg.Content,
		msg.CreatedAt,
	)
	if err != nil {
		return types.Message{}, fmt.Errorf("update bid chat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.Message{}, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return types.Message{}, fmt.Errorf("commit: %w", err)
	}

	return msg, nil
}

func (db *PgChatRepository) GetBidMessages(bidChatId string, limit, skip int) ([]types.Message, error) {
	return db.queryMessages("bid_chat_id", bidChatId, limit, skip)
}

func (db *PgChatRepository) CountBidMessages(bidChatId string) (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM messages WHERE bid_chat_id = $1", bidChatId).Scan(&n)
	return n, err
}
