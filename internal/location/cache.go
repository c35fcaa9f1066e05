package location

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LastKnownStore keeps the last good sensor sample. Only the Resolver
// writes to it.
type LastKnownStore interface {
	Load(ctx context.Context) (Sample, bool, error)
	Save(ctx context.Context, s Sample) error
}

// MemoryStore is a process-local LastKnownStore.
type MemoryStore struct {
	mu     sync.RWMutex
	sample Sample
	ok     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (Sample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sample, m.ok, nil
}

func (m *MemoryStore) Save(_ context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sample = s
	m.ok = true
	return nil
}

// RedisStore persists the last fix so a restarted agent can still fall
// back to it while it is fresh.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, deviceID string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		key:    lastKnownKey(deviceID),
		ttl:    ttl,
	}
}

func (r *RedisStore) Load(ctx context.Context) (Sample, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, err
	}
	var s Sample
	if err := json.Unmarshal(raw, &s); err != nil {
		return Sample{}, false, err
	}
	return s, true, nil
}

func (r *RedisStore) Save(ctx context.Context, s Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, payload, r.ttl).Err()
}

func lastKnownKey(deviceID string) string {
	return "location:" + deviceID + ":last"
}
