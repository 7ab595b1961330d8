package govern

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore is the production IdempotencyStore, backed by a
// single atomic SETNX per key so concurrent cycles racing on the same
// fingerprint can never both win the reservation.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore wraps an existing redis client. prefix namespaces
// keys so the idempotency keyspace never collides with other cache uses of
// the same Redis instance.
func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "orchestrator:idempotency:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, executionID string, ttl time.Duration) (bool, string, error) {
	fullKey := s.prefix + key
	ok, err := s.client.SetNX(ctx, fullKey, executionID, ttl).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	previous, err := s.client.Get(ctx, fullKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, "", err
	}
	return false, previous, nil
}

func (s *RedisIdempotencyStore) Commit(ctx context.Context, key, executionID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, executionID, ttl).Err()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// InMemoryIdempotencyStore is a map-backed IdempotencyStore for tests and
// fixtures that don't want a live Redis dependency.
type InMemoryIdempotencyStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{data: make(map[string]string)}
}

func (s *InMemoryIdempotencyStore) Reserve(_ context.Context, key, executionID string, _ time.Duration) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.data[key]; ok {
		return false, prev, nil
	}
	s.data[key] = executionID
	return true, "", nil
}

func (s *InMemoryIdempotencyStore) Commit(_ context.Context, key, executionID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = executionID
	return nil
}

func (s *InMemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
