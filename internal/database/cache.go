package database

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// Cache key prefixes
	CacheKeyMod         = "modhub:mod:"
	CacheKeyDedupPrefix = "modhub:dedup:"
	CacheKeyIdemPrefix  = "modhub:idem:"

	// Cache TTLs
	CacheTTLMod  = 2 * time.Minute
	CacheTTLIdem = 24 * time.Hour
)

// CacheGet retrieves a value from Redis cache and unmarshals it into dest
func CacheGet(ctx context.Context, key string, dest interface{}) error {
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL
func CacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

