package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "autopilot:posted:"

// RedisCache shares the guard's fast lane across processes.
type RedisCache struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisCache(redisAddr string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, now: time.Now}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (bool, error) {
	err := c.client.Get(ctx, redisKeyPrefix+key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read dedup key: %w", err)
	}

	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}

	if err := c.client.Set(ctx, redisKeyPrefix+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to write dedup key: %w", err)
	}

	return nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan dedup keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
