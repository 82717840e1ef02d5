package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d-kuro/authkit/pkg/constants"
)

// RedisStore implements CredentialStore on a Redis server, letting several
// processes on different hosts share one session.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Defaults to constants.DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRedisTTL sets an expiry on every stored key. Zero keeps keys forever.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: constants.DefaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load implements CredentialStore.Load.
func (s *RedisStore) Load(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("key %q: %w", key, ErrStorageNotFound)
		}
		return "", fmt.Errorf("redis get %s: %w", s.key(key), err)
	}
	return value, nil
}

// Store implements CredentialStore.Store.
func (s *RedisStore) Store(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key(key), err)
	}
	return nil
}

// Delete implements CredentialStore.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.key(key), err)
	}
	return nil
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (s *RedisStore) GetStoragePath() string {
	return "redis://" + s.prefix
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}
