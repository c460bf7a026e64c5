package indexqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/civic-records/internal/pkg/cache"
)

var (
	// KEYS[1] pending list, KEYS[2] job key; ARGV[1] job id.
	removeScript = redis.NewScript(`
		redis.call('LREM', KEYS[1], 0, ARGV[1])
		return redis.call('DEL', KEYS[2])
	`)

	// KEYS[1] pending list; ARGV[1] job key prefix. Returns the job JSON or
	// false when the list is empty. Ids whose payload is gone are skipped.
	popScript = redis.NewScript(`
		while true do
			local id = redis.call('RPOP', KEYS[1])
			if not id then
				return false
			end
			local key = ARGV[1] .. id
			local payload = redis.call('GET', key)
			if payload then
				redis.call('DEL', key)
				return payload
			end
		end
	`)
)

// RedisQueue stores each job under its own key and keeps the order in a
// list, so a job can be withdrawn by id.
type RedisQueue struct {
	client redis.UniversalClient
	keys   cache.Keyspace
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client redis.UniversalClient, keys cache.Keyspace) *RedisQueue {
	return &RedisQueue{client: client, keys: keys}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("indexqueue: encode job %q: %w", job.ID, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), payload, 0)
		pipe.LPush(ctx, q.pendingKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("indexqueue: enqueue %q: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	keys := []string{q.pendingKey(), q.jobKey(id)}
	if err := removeScript.Run(ctx, q.client, keys, id).Err(); err != nil {
		return fmt.Errorf("indexqueue: remove %q: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Next(ctx context.Context) (*Job, error) {
	payload, err := popScript.Run(ctx, q.client, []string{q.pendingKey()}, q.jobKey("")).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("indexqueue: pop: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("indexqueue: decode job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("indexqueue: length: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) pendingKey() string {
	return q.keys.GenerateKey("index-queue", "pending")
}

func (q *RedisQueue) jobKey(id string) string {
	return q.keys.GenerateKey("index-job", id)
}
