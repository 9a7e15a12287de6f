package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV adapts a Redis client to the fast-tier KV contract.
type RedisKV struct {
	rdb *redis.Client
}

func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (k *RedisKV) Get(ctx context.Context, key string) (string, error) {
	value, err := k.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	return value, err
}

func (k *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return k.rdb.Set(ctx, key, value, ttl).Err()
}
