package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of github.com/redis/go-redis/v9. No
// complete repo in the reference corpus imports a cache/KV client directly;
// go-redis is the standard Go client for exactly the get/set-TTL/hash-ops
// primitive §6 asks for, so it is named here as an out-of-pack ecosystem
// pick rather than grounded on an example.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials url (a redis:// URL, per REDIS_URL in §6).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.client.HSet(ctx, key, args...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	return s.client.HLen(ctx, key).Result()
}

func (s *RedisStore) HScan(ctx context.Context, key string, cursor uint64, pattern string, count int64) (map[string]string, uint64, error) {
	keyVals, next, err := s.client.HScan(ctx, key, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, err
	}
	fields := make(map[string]string, len(keyVals)/2)
	for i := 0; i+1 < len(keyVals); i += 2 {
		fields[keyVals[i]] = keyVals[i+1]
	}
	return fields, next, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
