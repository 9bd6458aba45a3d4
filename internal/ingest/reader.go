package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mailgun/holster/v4/setter"

	"github.com/sentinelops/perfcore/internal/cache"
	"github.com/sentinelops/perfcore/internal/events"
	"github.com/sentinelops/perfcore/pkg/logging"
)

// EventGetter loads one event by id. *SQLStore satisfies it.
type EventGetter interface {
	Get(ctx context.Context, id string) (events.Event, bool, error)
}

// Reader serves events by id through the two-tier cache, falling back to the
// store and populating the cache on a miss.
type Reader struct {
	cache *cache.Manager
	store EventGetter
	ttl   time.Duration
	log   *logging.Logger
}

// NewReader creates a Reader. Cached events live for ttl, default 10m.
func NewReader(c *cache.Manager, store EventGetter, ttl time.Duration, log *logging.Logger) *Reader {
	setter.SetDefault(&ttl, 10*time.Minute)
	if log == nil {
		log = logging.Default()
	}
	return &Reader{cache: c, store: store, ttl: ttl, log: log.WithComponent("ingest.reader")}
}

// CacheKey is the cache key for an event id.
func CacheKey(id string) string {
	return "event:" + id
}

// Get returns the event with id. Cache failures are logged and the store is
// consulted; only store failures are returned.
func (r *Reader) Get(ctx context.Context, id string) (events.Event, bool, error) {
	key := CacheKey(id)

	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.log.Warn("Cache lookup failed, reading from store", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	if ok {
		var ev events.Event
		if err := json.Unmarshal(raw, &ev); err == nil {
			return ev, true, nil
		}
		r.log.Warn("Discarding undecodable cache entry", map[string]interface{}{"key": key})
	}

	ev, found, err := r.store.Get(ctx, id)
	if err != nil || !found {
		return ev, found, err
	}

	if raw, err := json.Marshal(ev); err == nil {
		if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
			r.log.Warn("Cache fill failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return ev, true, nil
}
