package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheService provides typed JSON caching on top of RedisCache.
// Everything stored here is advisory; callers fall back to Postgres on a miss or error.
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyClaimSummary is for a wallet's claimable summary
	CacheKeyClaimSummary CacheKeyType = "claims"
	// CacheKeySweepLease is for the per fee source sweep lease
	CacheKeySweepLease CacheKeyType = "sweep-lease"
)

// GenerateCacheKey generates a cache key for a given type and parameters.
// Format: <type>:<param1>:<param2>:...
// Parameters are used verbatim; base58 addresses are case sensitive.
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := append([]string{string(keyType)}, params...)
	return strings.Join(parts, ":")
}

// ClaimSummaryKey returns the cache key of a wallet's claimable summary
func (c *CacheService) ClaimSummaryKey(wallet string) string {
	return c.GenerateCacheKey(CacheKeyClaimSummary, wallet)
}

// SweepLeaseKey returns the lease key for one fee source
func (c *CacheService) SweepLeaseKey(feeSourceID int64) string {
	return c.GenerateCacheKey(CacheKeySweepLease, fmt.Sprintf("%d", feeSourceID))
}

// Set stores a value in cache with the configured TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it.
// A missing key is a miss, not an error.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}

	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// InvalidateWallet drops everything cached for a wallet
func (c *CacheService) InvalidateWallet(ctx context.Context, wallet string) error {
	return c.Invalidate(ctx, c.ClaimSummaryKey(wallet))
}

// AcquireSweepLease fences one fee source against concurrent sweeps
func (c *CacheService) AcquireSweepLease(ctx context.Context, feeSourceID int64, ttl time.Duration) (*Lease, error) {
	return c.redis.AcquireLease(ctx, c.SweepLeaseKey(feeSourceID), ttl)
}

// ReleaseSweepLease releases a lease taken with AcquireSweepLease
func (c *CacheService) ReleaseSweepLease(ctx context.Context, lease *Lease) error {
	return c.redis.ReleaseLease(ctx, lease)
}
