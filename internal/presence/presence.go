package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/npezzotti/market-chat/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "presence"
	opTimeout     = 3 * time.Second
	// socket pointers expire on their own if a process dies without
	// running its disconnect path
	socketTTL = 24 * time.Hour
)

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Key addresses a socket pointer. A user is reachable by id and by
// username; both indexes point at the same current socket.
type Key struct {
	kind  string
	value string
}

func ById(id string) Key {
	return Key{kind: "id", value: id}
}

func ByUsername(username string) Key {
	return Key{kind: "username", value: username}
}

func (k Key) String() string {
	return k.kind + ":" + k.value
}

type Store interface {
	SetStatus(ctx context.Context, userId string, status types.PresenceStatus) (types.PresenceRecord, error)
	GetStatus(ctx context.Context, userId string) (types.PresenceRecord, error)
	SetSocket(ctx context.Context, key Key, socketId string) error
	// GetSocket returns an empty id when no socket is on file.
	GetSocket(ctx context.Context, key Key) (string, error)
	ClearSocket(ctx context.Context, key Key) error
	// ClearSocketIf clears the pointer only while it still references
	// socketId and reports whether it did.
	ClearSocketIf(ctx context.Context, key Key, socketId string) (bool, error)
}

type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisStore) statusKey(userId string) string {
	return fmt.Sprintf("%s:status:%s", s.prefix, userId)
}

func (s *RedisStore) socketKey(k Key) string {
	return fmt.Sprintf("%s:socket:%s", s.prefix, k)
}

func (s *RedisStore) SetStatus(ctx context.Context, userId string, status types.PresenceStatus) (types.PresenceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rec := types.PresenceRecord{
		Status:   status,
		LastSeen: s.now().UTC().Round(time.Millisecond),
	}
	err := s.client.HSet(ctx, s.statusKey(userId),
		"status", string(rec.Status),
		"last_seen", rec.LastSeen.UnixMilli(),
	).Err()
	if err != nil {
		return types.PresenceRecord{}, fmt.Errorf("set status: %w", err)
	}

	return rec, nil
}

func (s *RedisStore) GetStatus(ctx context.Context, userId string) (types.PresenceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	vals, err := s.client.HGetAll(ctx, s.statusKey(userId)).Result()
	if err != nil {
		return types.PresenceRecord{}, fmt.Errorf("get status: %w", err)
	}

	rec := types.PresenceRecord{Status: types.PresenceOffline}
	if st, ok := vals["status"]; ok && types.PresenceStatus(st).Valid() {
		rec.Status = types.PresenceStatus(st)
	}
	if ms, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		rec.LastSeen = time.UnixMilli(ms).UTC()
	}

	return rec, nil
}

func (s *RedisStore) SetSocket(ctx context.Context, key Key, socketId string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.socketKey(key), socketId, socketTTL).Err(); err != nil {
		return fmt.Errorf("set socket: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSocket(ctx context.Context, key Key) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	id, err := s.client.Get(ctx, s.socketKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get socket: %w", err)
	}
	return id, nil
}

func (s *RedisStore) ClearSocket(ctx context.Context, key Key) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.socketKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("clear socket: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearSocketIf(ctx context.Context, key Key, socketId string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := compareAndDelete.Run(ctx, s.client, []string{s.socketKey(key)}, socketId).Int64()
	if err != nil {
		return false, fmt.Errorf("clear socket: %w", err)
	}
	return n > 0, nil
}

// Bind records socketId as the current socket for both of the user's
// identity keys.
func Bind(ctx context.Context, s Store, user types.User, socketId string) error {
	if err := s.SetSocket(ctx, ById(user.Id), socketId); err != nil {
		return err
	}
	if user.Username != "" {
		if err := s.SetSocket(ctx, ByUsername(user.Username), socketId); err != nil {
			return err
		}
	}
	return nil
}

// Release clears the user's socket pointers that still reference socketId.
// It reports false when a newer connection has already replaced the
// id-keyed pointer, in which case nothing about the user should change.
func Release(ctx context.Context, s Store, user types.User, socketId string) (bool, error) {
	released, err := s.ClearSocketIf(ctx, ById(user.Id), socketId)
	if err != nil {
		return false, err
	}
	if user.Username != "" {
		if _, err := s.ClearSocketIf(ctx, ByUsername(user.Username), socketId); err != nil {
			return released, err
		}
	}
	return released, nil
}

// ResolveSocket finds the current socket for a participant, trying the id
// index before the username index.
func ResolveSocket(ctx context.Context, s Store, participant types.User) (string, error) {
	if participant.Id != "" {
		id, err := s.GetSocket(ctx, ById(participant.Id))
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	if participant.Username != "" {
		return s.GetSocket(ctx, ByUsername(participant.Username))
	}
	return "", nil
}
