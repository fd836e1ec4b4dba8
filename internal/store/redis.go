package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores values as plain Redis strings. A zero ttl keeps them forever.
type RedisKV struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisKV(rdb *redis.Client, ttl time.Duration) *RedisKV {
	return &RedisKV{rdb: rdb, ttl: ttl}
}

// NewRedisKVFromURL parses a redis:// URL and checks the server answers.
func NewRedisKVFromURL(ctx context.Context, rawURL string) (*RedisKV, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisKV(rdb, 0), nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, key, value, r.ttl).Err()
}

func (r *RedisKV) Close() error {
	return r.rdb.Close()
}
