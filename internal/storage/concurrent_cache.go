package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// ReadThrough serves T from the cache and loads it once per key on a miss.
// Concurrent misses for the same key share a single load. A cache error is
// treated as a miss; the cache never decides correctness.
type ReadThrough[T any] struct {
	cache *CacheService

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	inflightMu sync.Mutex
	inflight   map[string]*inflightLoad[T]
}

type inflightLoad[T any] struct {
	done  chan struct{}
	value *T
	err   error
}

// NewReadThrough creates a read-through cache. A nil cache makes every call a load.
func NewReadThrough[T any](cache *CacheService) *ReadThrough[T] {
	return &ReadThrough[T]{
		cache:    cache,
		inflight: make(map[string]*inflightLoad[T]),
	}
}

// Get returns the cached value for key or calls load and caches its result
func (rt *ReadThrough[T]) Get(ctx context.Context, key string, load func(ctx context.Context) (*T, error)) (*T, error) {
	if rt.cache != nil {
		var cached T
		found, err := rt.cache.Get(ctx, key, &cached)
		if err == nil && found {
			rt.cacheHits.Add(1)
			return &cached, nil
		}
	}
	rt.cacheMisses.Add(1)

	call, isNew := rt.getOrCreateInflight(key)
	if !isNew {
		select {
		case <-call.done:
			return call.value, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	value, err := load(ctx)
	if err == nil && value != nil && rt.cache != nil {
		// best effort; the next read simply loads again
		_ = rt.cache.Set(ctx, key, value)
	}
	rt.completeInflight(key, call, value, err)
	if err != nil {
		return nil, fmt.Errorf("cache load %s: %w", key, err)
	}
	return value, nil
}

func (rt *ReadThrough[T]) getOrCreateInflight(key string) (*inflightLoad[T], bool) {
	rt.inflightMu.Lock()
	defer rt.inflightMu.Unlock()

	if call, exists := rt.inflight[key]; exists {
		return call, false
	}
	call := &inflightLoad[T]{done: make(chan struct{})}
	rt.inflight[key] = call
	return call, true
}

// completeInflight publishes the result to every waiter and forgets the key
func (rt *ReadThrough[T]) completeInflight(key string, call *inflightLoad[T], value *T, err error) {
	rt.inflightMu.Lock()
	delete(rt.inflight, key)
	rt.inflightMu.Unlock()

	call.value, call.err = value, err
	close(call.done)
}

// Invalidate drops key from the cache
func (rt *ReadThrough[T]) Invalidate(ctx context.Context, key string) error {
	if rt.cache == nil {
		return nil
	}
	return rt.cache.Invalidate(ctx, key)
}

// GetStats returns cache statistics
func (rt *ReadThrough[T]) GetStats() *ConcurrentCacheStats {
	hits := rt.cacheHits.Load()
	misses := rt.cacheMisses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	rt.inflightMu.Lock()
	inflightCount := len(rt.inflight)
	rt.inflightMu.Unlock()

	return &ConcurrentCacheStats{
		CacheHits:     hits,
		CacheMisses:   misses,
		HitRate:       hitRate,
		InflightCount: inflightCount,
	}
}

// ConcurrentCacheStats represents cache statistics
type ConcurrentCacheStats struct {
	CacheHits     int64
	CacheMisses   int64
	HitRate       float64 // Percentage
	InflightCount int     // Number of in-flight requests
}
