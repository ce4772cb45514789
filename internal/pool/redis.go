package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps one pool in a single Redis hash, so all instances sharing
// the server see the same mapping.
type RedisStore struct {
	client redis.UniversalClient
	hash   string
}

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a Store backed by the hash named hash.
func NewRedisStore(client redis.UniversalClient, hash string) (*RedisStore, error) {
	if hash == "" {
		return nil, ErrEmptyName
	}
	return &RedisStore{client: client, hash: hash}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, s.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pool: redis hget %s: %w", s.hash, err)
	}
	return v, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.client.HSet(ctx, s.hash, key, value).Err(); err != nil {
		return fmt.Errorf("pool: redis hset %s: %w", s.hash, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.hash, key).Err(); err != nil {
		return fmt.Errorf("pool: redis hdel %s: %w", s.hash, err)
	}
	return nil
}

// Keys implements Store.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("pool: redis hkeys %s: %w", s.hash, err)
	}
	slices.Sort(keys)
	return keys, nil
}

// Items implements Store.
func (s *RedisStore) Items(ctx context.Context) (map[string][]byte, error) {
	all, err := s.client.HGetAll(ctx, s.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("pool: redis hgetall %s: %w", s.hash, err)
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[k] = []byte(v)
	}
	return out, nil
}
