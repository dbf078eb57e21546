package abuse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStatePrefix = "abuse"
	opTimeout          = 3 * time.Second
)

// Penalty is a window during which every message from the user is rejected.
type Penalty struct {
	StartedAt time.Time
	Duration  time.Duration
}

func (p Penalty) Active(now time.Time) bool {
	return !p.StartedAt.IsZero() && now.Sub(p.StartedAt) < p.Duration
}

func (p Penalty) Remaining(now time.Time) time.Duration {
	if !p.Active(now) {
		return 0
	}
	return p.Duration - now.Sub(p.StartedAt)
}

// State is the abuse record kept for a single user. Each field expires on
// its own schedule in the backing store.
type State struct {
	LastMessageAt   time.Time
	Penalty         Penalty
	PenaltyAttempts int
}

type StateStore interface {
	Load(ctx context.Context, userId string) (State, error)
	SetLastMessage(ctx context.Context, userId string, at time.Time, ttl time.Duration) error
	SetPenalty(ctx context.Context, userId string, p Penalty, ttl time.Duration) error
	// IncrPenaltyAttempts returns the attempt count after incrementing.
	IncrPenaltyAttempts(ctx context.Context, userId string, ttl time.Duration) (int, error)
	ResetPenaltyAttempts(ctx context.Context, userId string) error
	// ConversationStarts drops starts older than since and returns the
	// remaining ones, oldest first.
	ConversationStarts(ctx context.Context, userId string, since time.Time) ([]time.Time, error)
	AddConversationStart(ctx context.Context, userId string, at time.Time, ttl time.Duration) error
}

type RedisStateStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = defaultStatePrefix
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) key(kind, userId string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, userId)
}

func (s *RedisStateStore) Load(ctx context.Context, userId string) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	last := pipe.Get(ctx, s.key("last", userId))
	penalty := pipe.HGetAll(ctx, s.key("penalty", userId))
	attempts := pipe.Get(ctx, s.key("attempts", userId))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("load abuse state: %w", err)
	}

	var st State
	if ms, err := last.Int64(); err == nil {
		st.LastMessageAt = time.UnixMilli(ms).UTC()
	}
	if vals := penalty.Val(); len(vals) > 0 {
		started, _ := strconv.ParseInt(vals["started_at"], 10, 64)
		dur, _ := strconv.ParseInt(vals["duration"], 10, 64)
		st.Penalty = Penalty{
			StartedAt: time.UnixMilli(started).UTC(),
			Duration:  time.Duration(dur) * time.Millisecond,
		}
	}
	if n, err := attempts.Int(); err == nil {
		st.PenaltyAttempts = n
	}

	return st, nil
}

func (s *RedisStateStore) SetLastMessage(ctx context.Context, userId string, at time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key("last", userId), at.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	return nil
}

func (s *RedisStateStore) SetPenalty(ctx context.Context, userId string, p Penalty, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := s.key("penalty", userId)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"started_at", p.StartedAt.UnixMilli(),
			"duration", p.Duration.Milliseconds(),
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set penalty: %w", err)
	}
	return nil
}

func (s *RedisStateStore) IncrPenaltyAttempts(ctx context.Context, userId string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := s.key("attempts", userId)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr penalty attempts: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStateStore) ResetPenaltyAttempts(ctx context.Context, userId string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.key("attempts", userId)).Err(); err != nil {
		return fmt.Errorf("reset penalty attempts: %w", err)
	}
	return nil
}

func (s *RedisStateStore) ConversationStarts(ctx context.Context, userId string, since time.Time) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := s.key("starts", userId)
	var rng *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(since.UnixMilli(), 10))
		rng = pipe.ZRangeWithScores(ctx, key, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation starts: %w", err)
	}

	starts := make([]time.Time, 0, len(rng.Val()))
	for _, z := range rng.Val() {
		starts = append(starts, time.UnixMilli(int64(z.Score)).UTC())
	}
	return starts, nil
}

func (s *RedisStateStore) AddConversationStart(ctx context.Context, userId string, at time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := s.key("starts", userId)
	ms := at.UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(ms), Member: uuid.NewString()})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add conversation start: %w", err)
	}
	return nil
}
