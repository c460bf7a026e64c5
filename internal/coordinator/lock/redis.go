package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/civic-records/internal/pkg/cache"
)

// Lua scripts keep check-and-set atomic on the Redis side.
var (
	// KEYS[1] lock key, KEYS[2] acquired-at key; ARGV[1] owner, ARGV[2] lease ms, ARGV[3] now ms.
	acquireScript = redis.NewScript(`
		local holder = redis.call('GET', KEYS[1])
		if holder == ARGV[1] then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
			redis.call('PEXPIRE', KEYS[2], ARGV[2])
			return 1
		end
		if holder then
			return 0
		end
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
		return 1
	`)

	// KEYS[1] lock key, KEYS[2] acquired-at key; ARGV[1] owner.
	releaseScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			redis.call('DEL', KEYS[1], KEYS[2])
			return 1
		end
		return 0
	`)
)

// RedisManager is a Manager shared by every API replica.
type RedisManager struct {
	client redis.UniversalClient
	keys   cache.Keyspace
	now    func() time.Time
	poll   time.Duration
}

var _ Manager = (*RedisManager)(nil)

func NewRedisManager(client redis.UniversalClient, keys cache.Keyspace) *RedisManager {
	return &RedisManager{
		client: client,
		keys:   keys,
		now:    time.Now,
		poll:   DefaultPollInterval,
	}
}

func (m *RedisManager) Acquire(ctx context.Context, resourceID, owner string, lease, wait time.Duration) error {
	keys := []string{m.lockKey(resourceID), m.acquiredKey(resourceID)}
	return acquireWithin(ctx, resourceID, wait, m.poll, func(ctx context.Context) (bool, error) {
		n, err := acquireScript.Run(ctx, m.client, keys, owner, lease.Milliseconds(), m.now().UnixMilli()).Int()
		if err != nil {
			return false, fmt.Errorf("redis acquire script: %w", err)
		}
		return n == 1, nil
	})
}

func (m *RedisManager) Release(ctx context.Context, resourceID, owner string) error {
	keys := []string{m.lockKey(resourceID), m.acquiredKey(resourceID)}
	if err := releaseScript.Run(ctx, m.client, keys, owner).Err(); err != nil {
		return fmt.Errorf("lock: release %q: %w", resourceID, err)
	}
	return nil
}

func (m *RedisManager) Holder(ctx context.Context, resourceID string) (*Lease, error) {
	key := m.lockKey(resourceID)
	owner, err := m.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: holder of %q: %w", resourceID, err)
	}

	ttl, err := m.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: ttl of %q: %w", resourceID, err)
	}
	now := m.now()
	lease := &Lease{ResourceID: resourceID, Owner: owner, ExpiresAt: now.Add(ttl)}

	if ms, err := m.client.Get(ctx, m.acquiredKey(resourceID)).Int64(); err == nil {
		lease.AcquiredAt = time.UnixMilli(ms)
	}
	return lease, nil
}

func (m *RedisManager) lockKey(resourceID string) string {
	return m.keys.GenerateSlotKey("lock", resourceID)
}

func (m *RedisManager) acquiredKey(resourceID string) string {
	return m.keys.GenerateSlotKey("lock-acquired", resourceID)
}
