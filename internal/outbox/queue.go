package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const DefaultMaxQueued = 1000

// Queue is a FIFO of pending updates. When full, the oldest entries are
// discarded.
type Queue interface {
	Push(ctx context.Context, u Update) error
	// Requeue puts u back at the head so it is retried first.
	Requeue(ctx context.Context, u Update) error
	Pop(ctx context.Context) (Update, bool, error)
	Len(ctx context.Context) (int, error)
}

type MemoryQueue struct {
	mu    sync.Mutex
	items []Update
	max   int
}

func NewMemoryQueue(max int) *MemoryQueue {
	if max <= 0 {
		max = DefaultMaxQueued
	}
	return &MemoryQueue{max: max}
}

func (q *MemoryQueue) Push(_ context.Context, u Update) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, u)
	if over := len(q.items) - q.max; over > 0 {
		q.items = q.items[over:]
	}
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, u Update) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]Update{u}, q.items...)
	if len(q.items) > q.max {
		q.items = q.items[:q.max]
	}
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context) (Update, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Update{}, false, nil
	}
	u := q.items[0]
	q.items = q.items[1:]
	return u, true, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// RedisQueue keeps the backlog in a Redis list so it survives restarts.
type RedisQueue struct {
	client *redis.Client
	key    string
	max    int64
}

func NewRedisQueue(client *redis.Client, deviceID string, max int) *RedisQueue {
	if max <= 0 {
		max = DefaultMaxQueued
	}
	return &RedisQueue{client: client, key: queueKey(deviceID), max: int64(max)}
}

func queueKey(deviceID string) string {
	return "outbox:" + deviceID + ":queue"
}

func (q *RedisQueue) Push(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.key, payload)
	pipe.LTrim(ctx, q.key, -q.max, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue update: %w", err)
	}
	return nil
}

func (q *RedisQueue) Requeue(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, payload)
	pipe.LTrim(ctx, q.key, 0, q.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue update: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (Update, bool, error) {
	raw, err := q.client.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Update{}, false, nil
	}
	if err != nil {
		return Update{}, false, fmt.Errorf("pop update: %w", err)
	}
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return Update{}, false, fmt.Errorf("decode queued update: %w", err)
	}
	return u, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	return int(n), err
}
