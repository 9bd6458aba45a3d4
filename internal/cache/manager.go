package cache

import (
	"context"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/pkg/logging"
)

const tracerName = "github.com/sentinelops/perfcore/internal/cache"

// ManagerConfig configures the two-tier cache.
type ManagerConfig struct {
	// TTL given to values copied from the remote tier into memory. Default 5m.
	// This is also the longest a peer's write can go unseen by this instance.
	PromotionTTL time.Duration

	Metrics *metrics.CacheMetrics
	Logger  *logging.Logger
	Tracer  trace.Tracer
}

// Manager composes the in-process tier with an optional remote tier. Values are
// opaque bytes; callers own serialization and must not modify returned slices.
type Manager struct {
	memory *MemoryCache
	remote RemoteStore
	conf   ManagerConfig
	log    *logging.Logger
	tracer trace.Tracer
}

// NewManager creates a Manager. A nil remote runs the cache on memory only.
func NewManager(memory *MemoryCache, remote RemoteStore, conf ManagerConfig) *Manager {
	setter.SetDefault(&conf.PromotionTTL, 5*time.Minute)
	if conf.Metrics == nil {
		conf.Metrics = metrics.New("").Cache
	}
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}
	if conf.Tracer == nil {
		conf.Tracer = otel.Tracer(tracerName)
	}

	return &Manager{
		memory: memory,
		remote: remote,
		conf:   conf,
		log:    conf.Logger.WithComponent("cache"),
		tracer: conf.Tracer,
	}
}

// Get looks in memory first, then in the remote tier. A remote hit is copied
// into memory with PromotionTTL. Remote failures are returned; the caller
// decides whether to fall back to the origin.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := m.tracer.Start(ctx, "cache.Get", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if v, ok := m.memory.Get(key); ok {
		if b, ok := v.([]byte); ok {
			m.conf.Metrics.Hit(metrics.TierMemory)
			span.SetAttributes(attribute.String("cache.tier", metrics.TierMemory))
			return b, true, nil
		}
	}
	m.conf.Metrics.Miss(metrics.TierMemory)

	if m.remote == nil {
		return nil, false, nil
	}

	value, found, err := m.remote.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote get failed")
		return nil, false, err
	}
	if !found {
		m.conf.Metrics.Miss(metrics.TierRemote)
		return nil, false, nil
	}

	m.conf.Metrics.Hit(metrics.TierRemote)
	m.conf.Metrics.Promotions.Inc()
	m.memory.Set(key, value, m.conf.PromotionTTL)
	span.SetAttributes(attribute.String("cache.tier", metrics.TierRemote))
	return value, true, nil
}

// Set writes memory first, then the remote tier with the same ttl. The remote
// error is returned and the memory write is kept. A non-positive ttl writes
// nothing and returns ErrInvalidTTL.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	ctx, span := m.tracer.Start(ctx, "cache.Set", trace.WithAttributes(
		attribute.String("cache.key", key),
		attribute.Int("cache.bytes", len(value)),
	))
	defer span.End()

	m.memory.Set(key, value, ttl)

	if m.remote == nil {
		return nil
	}
	if err := m.remote.Set(ctx, key, value, ttl); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote set failed")
		m.log.Warn("Remote cache write failed", map[string]interface{}{"key": key, "error": err.Error()})
		return err
	}
	return nil
}

// Delete removes key from both tiers of this instance. Peers keep their
// memory copy until it expires.
func (m *Manager) Delete(ctx context.Context, key string) error {
	ctx, span := m.tracer.Start(ctx, "cache.Delete", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	m.memory.Delete(key)

	if m.remote == nil {
		return nil
	}
	if err := m.remote.Delete(ctx, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote delete failed")
		return err
	}
	return nil
}

// Close stops the memory tier and closes the remote store.
func (m *Manager) Close() error {
	m.memory.Close()
	if m.remote != nil {
		return m.remote.Close()
	}
	return nil
}
