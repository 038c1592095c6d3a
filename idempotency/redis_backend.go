package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend adapts a shared *redis.Client to the Backend interface,
// namespacing every key under idempotency: so it cannot collide with
// hotstore's own keyspace on the same Redis instance.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return b.client.Set(ctx, "idempotency:"+key, value, ttl).Err()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, "idempotency:"+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
