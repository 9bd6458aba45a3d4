package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"

	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/pkg/logging"
)

// MemoryConfig configures the in-process tier.
type MemoryConfig struct {
	// How often expired entries are swept. Default 30s.
	CleanupInterval time.Duration

	Metrics *metrics.CacheMetrics
	Logger  *logging.Logger
}

type cacheItem struct {
	value     interface{}
	expiresAt time.Time
}

// MemoryCache is an in-process key/value store with per-entry TTL.
//
// Get never deletes: an expired entry is reported as absent and stays in the
// map until the cleanup loop removes it, keeping reads on the shared lock.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem

	conf      MemoryConfig
	log       *logging.Logger
	wg        syncutil.WaitGroup
	closeOnce sync.Once
}

// NewMemoryCache creates the cache and starts its cleanup loop. The loop exits
// when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, conf MemoryConfig) *MemoryCache {
	setter.SetDefault(&conf.CleanupInterval, 30*time.Second)
	if conf.Metrics == nil {
		conf.Metrics = metrics.New("").Cache
	}
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}

	c := &MemoryCache{
		items: make(map[string]cacheItem),
		conf:  conf,
		log:   conf.Logger.WithComponent("memory-cache"),
	}
	c.runCleanup(ctx)
	return c
}

// Get returns the value for key if present and not expired.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || !clock.Now().Before(item.expiresAt) {
		return nil, false
	}
	return item.value, true
}

// Set stores value under key, replacing any previous value and TTL. A
// non-positive ttl stores an entry that is already expired.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.items[key] = cacheItem{value: value, expiresAt: clock.Now().Add(ttl)}
	n := len(c.items)
	c.mu.Unlock()

	c.conf.Metrics.Size.Set(float64(n))
}

// Delete removes key. Deleting a missing key is a no-op.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	n := len(c.items)
	c.mu.Unlock()

	c.conf.Metrics.Size.Set(float64(n))
}

// Len returns the number of stored entries, including expired entries that
// have not been swept yet.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup loop. It is safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() {
		c.wg.Stop()
	})
}

func (c *MemoryCache) runCleanup(ctx context.Context) {
	tick := time.NewTicker(c.conf.CleanupInterval)
	c.wg.Until(func(done chan struct{}) bool {
		select {
		case <-tick.C:
			if n := c.cleanup(); n > 0 {
				c.log.Debug("Swept expired entries", map[string]interface{}{"removed": n})
			}
			return true
		case <-ctx.Done():
			tick.Stop()
			return false
		case <-done:
			tick.Stop()
			return false
		}
	})
}

// cleanup deletes expired entries and returns how many were removed.
func (c *MemoryCache) cleanup() int {
	now := clock.Now()

	c.mu.Lock()
	removed := 0
	for key, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	n := len(c.items)
	c.mu.Unlock()

	c.conf.Metrics.Size.Set(float64(n))
	return removed
}
