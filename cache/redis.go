package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache implements Cache on Redis, relying on Redis-native key expiry.
type redisCache struct {
	client *redis.Client
	prefix string
}

// Get implements Cache.
func (c *redisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return false, nil // Not found
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set implements Cache.
func (c *redisCache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), val, ttl).Err()
}

// Delete implements Cache.
func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	return c.client.Del(ctx, prefixed...).Err()
}

// Close implements Cache.
func (c *redisCache) Close() error {
	return c.client.Close()
}

// key constructs the namespaced Redis key.
func (c *redisCache) key(k string) string {
	return c.prefix + k
}
