// Package cache holds the shared Redis client used by the lock manager, the
// idempotency manager and the indexing queue.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Keyspace namespaces every key a component writes, e.g.
// "records:lock:<resource>".
type Keyspace struct {
	namespace string
}

func NewKeyspace(namespace string) Keyspace {
	return Keyspace{namespace: strings.TrimSuffix(namespace, ":")}
}

// GenerateKey builds "<namespace>:<operation>:<key>".
func (k Keyspace) GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", k.namespace, operation, key)
}

// GenerateSlotKey builds "<namespace>:<operation>:{<key>}". Keys sharing key
// hash to the same Redis Cluster slot, so one script may touch all of them.
func (k Keyspace) GenerateSlotKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:{%s}", k.namespace, operation, key)
}

// NewRedisClient dials addr and verifies the connection with a PING.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis at %s: %w", addr, err)
	}
	return client, nil
}
