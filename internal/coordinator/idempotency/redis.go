package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/civic-records/internal/pkg/cache"
)

// entry is the JSON value stored under an idempotency key.
type entry struct {
	State  string  `json:"state"`
	Owner  string  `json:"owner"`
	Record *Record `json:"record,omitempty"`
}

// RedisManager keeps idempotency records in Redis with native key expiry.
type RedisManager struct {
	client redis.UniversalClient
	keys   cache.Keyspace
	now    func() time.Time
}

var _ Manager = (*RedisManager)(nil)

func NewRedisManager(client redis.UniversalClient, keys cache.Keyspace) *RedisManager {
	return &RedisManager{client: client, keys: keys, now: time.Now}
}

func (m *RedisManager) CheckAndReserve(ctx context.Context, key, owner string, reservation time.Duration) (*Record, error) {
	redisKey := m.keys.GenerateKey("idempotency", key)
	reserved, err := json.Marshal(entry{State: stateReserved, Owner: owner})
	if err != nil {
		return nil, fmt.Errorf("idempotency: encode reservation: %w", err)
	}

	ok, err := m.client.SetNX(ctx, redisKey, reserved, reservation).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency: reserve %q: %w", key, err)
	}
	if ok {
		return nil, nil
	}

	current, err := m.load(ctx, m.client, redisKey)
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return m.CheckAndReserve(ctx, key, owner, reservation)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case current.State == stateCompleted && current.Record != nil:
		return current.Record, nil
	case current.Owner == owner:
		return nil, nil
	default:
		return nil, fmt.Errorf("idempotency: key %q: %w", key, ErrInFlight)
	}
}

func (m *RedisManager) Store(ctx context.Context, key, owner string, rec Record, ttl time.Duration) error {
	redisKey := m.keys.GenerateKey("idempotency", key)
	rec.Key = key
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	if ttl > 0 {
		rec.ExpiresAt = rec.CreatedAt.Add(ttl)
	}
	value, err := json.Marshal(entry{State: stateCompleted, Owner: owner, Record: &rec})
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}

	err = m.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := m.load(ctx, tx, redisKey)
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && current.Owner != owner {
			return fmt.Errorf("idempotency: key %q reserved by another request: %w", key, ErrInFlight)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, value, ttl)
			return nil
		})
		return err
	}, redisKey)
	if err != nil {
		return fmt.Errorf("idempotency: store %q: %w", key, err)
	}
	return nil
}

func (m *RedisManager) Release(ctx context.Context, key, owner string) error {
	redisKey := m.keys.GenerateKey("idempotency", key)

	err := m.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := m.load(ctx, tx, redisKey)
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.State != stateReserved || current.Owner != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKey)
			return nil
		})
		return err
	}, redisKey)
	if err != nil {
		return fmt.Errorf("idempotency: release %q: %w", key, err)
	}
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (m *RedisManager) load(ctx context.Context, c getter, redisKey string) (*entry, error) {
	raw, err := c.Get(ctx, redisKey).Bytes()
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("idempotency: decode %q: %w", redisKey, err)
	}
	return &e, nil
}
