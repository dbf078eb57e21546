package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/market-chat/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	violationTTL       = 7 * 24 * time.Hour
	userViolationsCap  = 100
	allViolationsCap   = 1000
	maxKeyCollisions   = 5
	defaultListLimit   = 50
	allViolationsIndex = "violations:all"
)

var ErrViolationNotFound = errors.New("violation not found")

type ListParams struct {
	// UserId restricts the listing to one user when set.
	UserId string
	Limit  int
	Offset int
}

type ViolationStore interface {
	Record(ctx context.Context, v types.Violation) (types.Violation, error)
	// List returns violations newest first.
	List(ctx context.Context, params ListParams) ([]types.Violation, error)
	Resolve(ctx context.Context, key string) (types.Violation, error)
}

type RedisViolationStore struct {
	client *redis.Client
}

func NewRedisViolationStore(client *redis.Client) *RedisViolationStore {
	return &RedisViolationStore{client: client}
}

func violationKey(userId string, at time.Time) string {
	return fmt.Sprintf("violation:%s:%d", userId, at.UnixMilli())
}

func userIndex(userId string) string {
	return "violations:user:" + userId
}

func (s *RedisViolationStore) Record(ctx context.Context, v types.Violation) (types.Violation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}
	v.Timestamp = v.Timestamp.UTC().Round(time.Millisecond)
	v.Resolved = false

	// keys are time-derived, so two violations in the same millisecond
	// move the later one forward
	at := v.Timestamp
	for i := 0; ; i++ {
		if i == maxKeyCollisions {
			return types.Violation{}, fmt.Errorf("record violation: key collision for user %q", v.UserId)
		}
		v.Key = violationKey(v.UserId, at)
		raw, err := json.Marshal(v)
		if err != nil {
			return types.Violation{}, fmt.Errorf("record violation: %w", err)
		}
		ok, err := s.client.SetNX(ctx, v.Key, raw, violationTTL).Result()
		if err != nil {
			return types.Violation{}, fmt.Errorf("record violation: %w", err)
		}
		if ok {
			break
		}
		at = at.Add(time.Millisecond)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, userIndex(v.UserId), v.Key)
		pipe.LTrim(ctx, userIndex(v.UserId), 0, userViolationsCap-1)
		pipe.Expire(ctx, userIndex(v.UserId), violationTTL)
		pipe.LPush(ctx, allViolationsIndex, v.Key)
		pipe.LTrim(ctx, allViolationsIndex, 0, allViolationsCap-1)
		return nil
	})
	if err != nil {
		return types.Violation{}, fmt.Errorf("index violation: %w", err)
	}

	return v, nil
}

func (s *RedisViolationStore) List(ctx context.Context, params ListParams) ([]types.Violation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := max(params.Offset, 0)

	index := allViolationsIndex
	if params.UserId != "" {
		index = userIndex(params.UserId)
	}

	keys, err := s.client.LRange(ctx, index, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	if len(keys) == 0 {
		return []types.Violation{}, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}

	violations := make([]types.Violation, 0, len(vals))
	for _, val := range vals {
		// index entries outlive expired records
		raw, ok := val.(string)
		if !ok {
			continue
		}
		var v types.Violation
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode violation: %w", err)
		}
		violations = append(violations, v)
	}

	return violations, nil
}

func (s *RedisViolationStore) Resolve(ctx context.Context, key string) (types.Violation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Violation{}, ErrViolationNotFound
	}
	if err != nil {
		return types.Violation{}, fmt.Errorf("resolve violation: %w", err)
	}

	var v types.Violation
	if err := json.Unmarshal(raw, &v); err != nil {
		return types.Violation{}, fmt.Errorf("decode violation: %w", err)
	}
	v.Resolved = true

	updated, err := json.Marshal(v)
	if err != nil {
		return types.Violation{}, fmt.Errorf("resolve violation: %w", err)
	}
	err = s.client.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true, Mode: "XX"}).Err()
	if errors.Is(err, redis.Nil) {
		return types.Violation{}, ErrViolationNotFound
	}
	if err != nil {
		return types.Violation{}, fmt.Errorf("resolve violation: %w", err)
	}

	return v, nil
}
