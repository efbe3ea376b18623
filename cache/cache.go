// Package cache provides the short-TTL key/value mirror shared by the
// session store and the token meter. One Cache instance is constructed per
// process and passed by handle; there is no package-level state.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors for cache construction.
var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidDriverType = errors.New("invalid driver type")
)

// Cache is a TTL'd key→value store with explicit invalidation. Values are
// stored as JSON so the memory and Redis drivers behave identically.
type Cache interface {
	// Get unmarshals the cached value for key into dest. The boolean reports
	// whether a live (non-expired) entry was found.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// Set stores v under key for the given TTL, replacing any prior entry.
	Set(ctx context.Context, key string, v any, ttl time.Duration) error

	// Delete drops the given keys. Missing keys are not an error. This is the
	// invalidation hook: only the operation that caused the underlying remote
	// mutation may call it for the corresponding entry.
	Delete(ctx context.Context, keys ...string) error

	// Close releases driver resources.
	Close() error
}

// DriverType selects the cache driver.
type DriverType string

const (
	DriverMemory DriverType = "memory"
	DriverRedis  DriverType = "redis"
)

// New creates a Cache backed by the given driver type.
// For Redis, requires WithRedisClient option.
func New(driver DriverType, opts ...Option) (Cache, error) {
	config := &cacheConfig{}
	for _, opt := range opts {
		opt(config)
	}

	switch driver {
	case DriverMemory:
		return newMemoryCache(), nil

	case DriverRedis:
		if config.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return &redisCache{client: config.redisClient, prefix: config.keyPrefix}, nil

	default:
		return nil, ErrInvalidDriverType
	}
}
