// deepcorrect/helpers_cache.go
// Contains helper functions for memory caching of corrections (Ristretto).
package deepcorrect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// Correction Cache
// ============================================================================

// correctionCache memoizes model output for identical (model, prompt, source) inputs.
// A nil *correctionCache or one whose ristretto cache failed to start is a no-op cache.
type correctionCache struct {
	mu     sync.RWMutex
	cache  *ristretto.Cache
	logger *slog.Logger
}

// newCorrectionCache creates the ristretto-backed cache. Failure to start ristretto
// disables caching rather than failing the caller.
func newCorrectionCache(logger *slog.Logger) *correctionCache {
	if logger == nil {
		logger = slog.Default()
	}
	cacheLogger := logger.With("component", "CorrectionCache")

	memCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     64 << 20, // 64MB of corrected text
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		cacheLogger.Warn("Failed to create ristretto memory cache, in-memory caching disabled.", "error", err)
		return &correctionCache{logger: cacheLogger}
	}
	cacheLogger.Debug("Initialized ristretto in-memory cache", "max_cost", "64MB")
	return &correctionCache{cache: memCache, logger: cacheLogger}
}

// generateCacheKey derives a fixed-size key from everything that determines the output,
// including the sampling parameters and the template, so a config change misses.
func generateCacheKey(cfg Config, promptText, source string) string {
	tmpl := cfg.PromptTemplate
	if tmpl == "" {
		tmpl = correctionPromptTemplate
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s|%g|%d|%d:%s|%d:%s|",
		len(cfg.Model), cfg.Model, cfg.Temperature, cfg.MaxTokens,
		len(tmpl), tmpl, len(promptText), promptText)
	h.Write([]byte(source))
	return "correction:" + hex.EncodeToString(h.Sum(nil))
}

// Enabled reports whether the cache is active.
func (c *correctionCache) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache != nil
}

func (c *correctionCache) get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	cache := c.cache
	c.mu.RUnlock()
	if cache == nil {
		return "", false
	}
	val, found := cache.Get(key)
	if !found {
		c.logger.Debug("Memory cache miss", "cache_key", key)
		return "", false
	}
	s, ok := val.(string)
	if !ok {
		c.logger.Error("Memory cache type assertion failed", "cache_key", key, "actual_type", fmt.Sprintf("%T", val))
		cache.Del(key)
		return "", false
	}
	c.logger.Debug("Memory cache hit", "cache_key", key)
	return s, true
}

func (c *correctionCache) set(key, value string, ttl time.Duration) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	cache := c.cache
	c.mu.RUnlock()
	if cache == nil {
		return false
	}
	cost := int64(len(value))
	if cost <= 0 {
		cost = 1 // Ristretto cost must be positive
	}
	ok := cache.SetWithTTL(key, value, cost, ttl)
	if ok {
		// Make the entry visible to the next Get; ristretto applies sets asynchronously.
		cache.Wait()
		c.logger.Debug("Memory cache set successful", "cache_key", key, "cost", cost, "ttl", ttl)
	} else {
		c.logger.Warn("Memory cache Set failed, item not cached", "cache_key", key, "cost", cost)
	}
	return ok
}

// Clear drops every cached correction.
func (c *correctionCache) Clear() {
	if c == nil {
		return
	}
	c.mu.RLock()
	cache := c.cache
	c.mu.RUnlock()
	if cache != nil {
		cache.Clear()
	}
}

// Metrics returns ristretto's counters, or nil when caching is disabled.
func (c *correctionCache) Metrics() *ristretto.Metrics {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil {
		return nil
	}
	return c.cache.Metrics
}

func (c *correctionCache) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil {
		c.logger.Debug("Closing ristretto memory cache.")
		c.cache.Close()
		c.cache = nil
	}
}

// withMemoryCache returns the cached value for key or computes, stores and returns it.
// Errors from computeFn are never cached.
func withMemoryCache(c *correctionCache, key string, ttl time.Duration, computeFn func() (string, error)) (string, bool, error) {
	if !c.Enabled() {
		result, err := computeFn()
		return result, false, err
	}
	if cached, ok := c.get(key); ok {
		return cached, true, nil
	}
	result, err := computeFn()
	if err != nil {
		return "", false, err
	}
	c.set(key, result, ttl)
	return result, false, nil
}
