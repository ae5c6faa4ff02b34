package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Backend persisting cache entries in Redis. Expiry is
// delegated to Redis key TTLs, so expired entries vanish on their own:
// Cleanup is a no-op and Stats never reports expired entries.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore using the given client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(namespace, key string) string {
	return fmt.Sprintf("cache:%s:%s", namespace, key)
}

func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, time.Time, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, redisKey(namespace, key))
	ttlCmd := pipe.PTTL(ctx, redisKey(namespace, key))
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("reading cache entry: %w", err)
	}

	payload, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("reading cache entry: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		// Key exists without expiry; treat as a miss rather than serve
		// an entry whose lifetime is unknown.
		return nil, time.Time{}, nil
	}
	return payload, time.Now().Add(ttl), nil
}

func (s *RedisStore) Set(ctx context.Context, namespace, key string, payload []byte, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	if err := s.client.Set(ctx, redisKey(namespace, key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.Del(ctx, redisKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, namespace string) error {
	pattern := "cache:*"
	if namespace != "" {
		pattern = fmt.Sprintf("cache:%s:*", namespace)
	}

	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("clearing cache: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

func (s *RedisStore) Cleanup(ctx context.Context, now time.Time) (int, error) {
	// Redis evicts expired keys itself.
	return 0, nil
}

func (s *RedisStore) Stats(ctx context.Context, namespace string) (Stats, error) {
	var stats Stats
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("cache:%s:*", namespace), 0).Iterator()
	for iter.Next(ctx) {
		stats.Total++
		stats.Active++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("scanning cache keys: %w", err)
	}
	return stats, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
