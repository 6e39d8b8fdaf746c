package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lexichat/internal/redis"
)

// Redis is a Store shared across gateway instances. The TTL only reclaims namespaces of
// gateways that died without purging; live sessions keep their keys through KeepAlive.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key)
	if errors.Is(err, redis.ErrCacheMiss) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, r.ttl)
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...)
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	return r.client.ScanPrefix(ctx, prefix)
}

// KeepAlive resets the TTL of every key under prefix.
func (r *Redis) KeepAlive(ctx context.Context, prefix string) error {
	keys, err := r.client.ScanPrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	for _, k := range keys {
		if err := r.client.Expire(ctx, k, r.ttl); err != nil {
			return fmt.Errorf("expire %s: %w", k, err)
		}
	}
	return nil
}
