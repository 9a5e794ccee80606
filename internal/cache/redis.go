package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "dicomweb:response:"

// RedisStore implements EntryStore on Redis, for deployments that share a
// response cache across replicas.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Get retrieves and decodes an entry.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &e, nil
}

// Set encodes and stores an entry with the TTL.
func (s *RedisStore) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// InvalidatePath scans the cache keyspace and removes entries whose path
// contains substr.
func (s *RedisStore) InvalidatePath(ctx context.Context, substr string) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			continue
		}
		if strings.Contains(e.Path, substr) {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("failed to delete key %s: %w", key, err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan keys: %w", err)
	}
	return removed, nil
}

// Flush removes every cached response.
func (s *RedisStore) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
