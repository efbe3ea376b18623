package cache

import "github.com/redis/go-redis/v9"

// Option is a functional option for configuring a cache.
type Option func(*cacheConfig)

// cacheConfig holds configuration for cache drivers.
type cacheConfig struct {
	redisClient *redis.Client
	keyPrefix   string
}

// WithRedisClient sets the Redis client for the Redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(c *cacheConfig) {
		c.redisClient = client
	}
}

// WithKeyPrefix namespaces all Redis keys, so several engines can share one
// Redis instance. The memory driver ignores it.
func WithKeyPrefix(prefix string) Option {
	return func(c *cacheConfig) {
		c.keyPrefix = prefix
	}
}
