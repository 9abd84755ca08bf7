package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/pkg/saga"
)

// RedisStore 将 saga 状态存为 JSON，按状态维护 set，挂起的 saga 按 NextRetryAt 进入 zset
//
//	{prefix}state:{id}      JSON
//	{prefix}status:{STATUS} set of ids
//	{prefix}retry           zset, score = NextRetryAt ms
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore prefix 为空时使用 "saga:"
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "saga:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) stateKey(id string) string { return s.prefix + "state:" + id }

func (s *RedisStore) statusKey(status saga.Status) string { return s.prefix + "status:" + string(status) }

func (s *RedisStore) retryKey() string { return s.prefix + "retry" }

// Save WATCH 状态键，version 匹配后在 MULTI 中写入状态与索引
func (s *RedisStore) Save(ctx context.Context, state *saga.State) error {
	key := s.stateKey(state.ID)
	next := state.Clone()
	next.Version = state.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal saga state: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, key)
		switch {
		case errors.Is(err, saga.ErrNotFound):
			if state.Version != 0 {
				return saga.ErrConflict
			}
		case err != nil:
			return err
		default:
			if state.Version == 0 || current.Version != state.Version {
				return saga.ErrConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if current != nil && current.Status != next.Status {
				pipe.SRem(ctx, s.statusKey(current.Status), state.ID)
			}
			pipe.SAdd(ctx, s.statusKey(next.Status), state.ID)
			if next.Status == saga.StatusSuspended && next.NextRetryAt != nil {
				pipe.ZAdd(ctx, s.retryKey(), redis.Z{Score: float64(next.NextRetryAt.UnixMilli()), Member: state.ID})
			} else {
				pipe.ZRem(ctx, s.retryKey(), state.ID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return saga.ErrConflict
	}
	if err != nil {
		if errors.Is(err, saga.ErrConflict) {
			return err
		}
		return fmt.Errorf("save saga state: %w", err)
	}
	state.Version = next.Version
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, key string) (*saga.State, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var state saga.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal saga state %s: %w", key, err)
	}
	return &state, nil
}

func (s *RedisStore) Get(ctx context.Context, sagaID string) (*saga.State, error) {
	state, err := s.load(ctx, s.client, s.stateKey(sagaID))
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get saga state: %w", err)
	}
	return state, nil
}

func (s *RedisStore) GetByStatus(ctx context.Context, status saga.Status) ([]*saga.State, error) {
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	states, err := s.mget(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := states[:0]
	for _, st := range states {
		// 索引可能短暂落后于状态键
		if st.Status == status {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *RedisStore) GetPendingRetries(ctx context.Context, now time.Time, batchSize int) ([]*saga.State, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRangeByScore(ctx, s.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(batchSize),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	states, err := s.mget(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := states[:0]
	for _, st := range states {
		if st.Status == saga.StatusSuspended && st.NextRetryAt != nil && !st.NextRetryAt.After(now) {
			out = append(out, st)
		}
	}
	return out, nil
}

// mget 按顺序读取多个状态，缺失的 id 被跳过
func (s *RedisStore) mget(ctx context.Context, ids []string) ([]*saga.State, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.stateKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	out := make([]*saga.State, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var state saga.State
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("unmarshal saga state %s: %w", ids[i], err)
		}
		out = append(out, &state)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, sagaID string) error {
	key := s.stateKey(sagaID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.statusKey(current.Status), sagaID)
			pipe.ZRem(ctx, s.retryKey(), sagaID)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, saga.ErrNotFound):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return saga.ErrConflict
	default:
		return fmt.Errorf("delete saga state: %w", err)
	}
}
