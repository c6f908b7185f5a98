package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements SessionStore on Redis so that several replicas share
// login state. Each value is its own key, <prefix><session id>:<key>, and
// carries the session TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to the Redis server at cfg.RedisAddr.
func NewRedisStore(cfg SessionsConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return newRedisStore(rdb, cfg.RedisPrefix, cfg.TTL)
}

func newRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisStore{client: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id, key string) string {
	return s.prefix + id + ":" + key
}

// NewID generates a random session identifier.
func (s *RedisStore) NewID() string {
	return uuid.NewString()
}

// Get retrieves a value.
func (s *RedisStore) Get(ctx context.Context, id, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(id, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

// Set stores a value with the session TTL.
func (s *RedisStore) Set(ctx context.Context, id, key, value string) error {
	if err := s.client.Set(ctx, s.key(id, key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a value.
func (s *RedisStore) Delete(ctx context.Context, id, key string) error {
	if err := s.client.Del(ctx, s.key(id, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Take fetches and removes a value with GETDEL, so two replicas racing on the
// same callback cannot both see it.
func (s *RedisStore) Take(ctx context.Context, id, key string) (string, bool, error) {
	v, err := s.client.GetDel(ctx, s.key(id, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis getdel: %w", err)
	}
	return v, true, nil
}

// Destroy removes every value of a session.
func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+id+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
