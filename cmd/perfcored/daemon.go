package main

import (
	"context"
	"time"

	"github.com/mailgun/holster/v4/syncutil"

	"github.com/sentinelops/perfcore/internal/batch"
	"github.com/sentinelops/perfcore/internal/cache"
	"github.com/sentinelops/perfcore/internal/circuit"
	"github.com/sentinelops/perfcore/internal/config"
	"github.com/sentinelops/perfcore/internal/events"
	"github.com/sentinelops/perfcore/internal/ingest"
	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/internal/optimizer"
	"github.com/sentinelops/perfcore/internal/pool"
	"github.com/sentinelops/perfcore/pkg/api"
	"github.com/sentinelops/perfcore/pkg/health"
	"github.com/sentinelops/perfcore/pkg/logging"
	"github.com/sentinelops/perfcore/pkg/memmon"
	"github.com/sentinelops/perfcore/pkg/retry"
)

const (
	componentDatabase = "database"
	componentRemote   = "cache.remote"
	componentArchive  = "archive"
)

// daemon owns every long-lived component of the process.
type daemon struct {
	conf *config.Configuration
	log  *logging.Logger

	bg       syncutil.WaitGroup
	bgCancel context.CancelFunc

	metrics    *metrics.Registry
	metricsSrv *metrics.Server
	health     *health.Tracker
	pool       *pool.ConnectionPool
	memCache   *cache.MemoryCache
	redis      *cache.RedisStore
	cache      *cache.Manager
	batcher    *batch.Processor
	events     *events.Processor
	memory     *memmon.Optimizer
	api        *api.Server
}

// newDaemon builds and starts the components in dependency order. On failure
// everything started so far is shut down.
func newDaemon(ctx context.Context, conf *config.Configuration, log *logging.Logger) (_ *daemon, err error) {
	d := &daemon{conf: conf, log: log}
	bgCtx, bgCancel := context.WithCancel(ctx)
	d.bgCancel = bgCancel
	defer func() {
		if err != nil {
			d.shutdown(context.Background())
		}
	}()

	d.metrics = metrics.New(conf.Global.MetricsPrefix)
	if err = d.metrics.RegisterRuntime(); err != nil {
		return nil, err
	}

	d.health = health.NewTracker(health.Config{Logger: log})

	connect := retry.New(retry.Config{
		MaxAttempts: conf.Database.ConnectAttempts,
		Jitter:      true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn("Database not reachable, retrying", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
		},
	})
	err = connect.Do(ctx, func(ctx context.Context) error {
		var perr error
		d.pool, perr = pool.New(ctx, pool.Config{
			Driver:          conf.Database.Driver,
			DSN:             conf.Database.DSN,
			MaxOpenConns:    conf.Database.MaxOpenConns,
			MaxIdleConns:    conf.Database.MaxIdleConns,
			ConnMaxLifetime: conf.Database.ConnMaxLifetime,
			ConnMaxIdleTime: conf.Database.ConnMaxIdleTime,
			PingTimeout:     conf.Database.PingTimeout,
			Metrics:         d.metrics.Pool,
			Logger:          log,
			Registry:        d.metrics,
		})
		return perr
	})
	if err != nil {
		return nil, err
	}
	d.health.Register(componentDatabase, true, func(ctx context.Context) error {
		return d.pool.DB().PingContext(ctx)
	})

	store := ingest.NewSQLStore(d.pool, log)
	if conf.Database.EnsureSchema {
		if err = store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	if conf.Database.CreateIndexes {
		opt := optimizer.New(d.pool, log)
		d.bg.Go(func() {
			if err := opt.CreateIndexes(bgCtx); err != nil {
				log.Warn("Index maintenance interrupted", map[string]interface{}{"error": err.Error()})
			}
		})
	}

	if err = d.startCache(ctx); err != nil {
		return nil, err
	}

	sinks := ingest.Fanout{trackedSink{name: componentDatabase, sink: store, health: d.health}}
	if conf.Archive.Bucket != "" {
		archive, aerr := ingest.NewS3Archive(ctx, ingest.S3Config{
			Bucket:    conf.Archive.Bucket,
			Prefix:    conf.Archive.Prefix,
			Region:    conf.Archive.Region,
			Endpoint:  conf.Archive.Endpoint,
			AccessKey: conf.Archive.AccessKey,
			SecretKey: conf.Archive.SecretKey,
			Logger:    log,
		})
		if aerr != nil {
			return nil, aerr
		}
		d.health.Register(componentArchive, false, nil)
		sinks = append(sinks, trackedSink{
			name:    componentArchive,
			sink:    archive,
			health:  d.health,
			retryer: retry.New(retry.Config{MaxAttempts: 3, Jitter: true}),
		})
	}

	d.batcher = batch.NewProcessor(batch.Config{
		BatchSize:     conf.Batch.BatchSize,
		FlushInterval: conf.Batch.FlushInterval,
		Metrics:       d.metrics.Batch,
		Logger:        log,
	}, sinks.WriteBatch)
	if err = d.batcher.Start(ctx); err != nil {
		return nil, err
	}

	d.events = events.NewProcessor(ctx, events.Config{
		Workers:    conf.Events.Workers,
		BufferSize: conf.Events.BufferSize,
		RateLimit:  conf.Events.RateLimit,
		RateBurst:  conf.Events.RateBurst,
		Partition:  conf.Events.Partition,
		Metrics:    d.metrics.Events,
		Logger:     log,
	}, func(_ context.Context, ev events.Event) error {
		return d.batcher.Add(ev)
	})

	if conf.Memory.Enabled {
		d.memory = memmon.New(memmon.Config{
			SampleInterval: conf.Memory.SampleInterval,
			Threshold:      conf.Memory.ThresholdMB << 20,
			ReturnToOS:     conf.Memory.ReturnToOS,
			MaxSamples:     conf.Memory.MaxSamples,
			ProfileDir:     conf.Memory.ProfileDir,
			Metrics:        d.metrics.Memory,
			Logger:         log,
		})
		if err = d.memory.Start(ctx); err != nil {
			return nil, err
		}
	}

	if err = d.health.Start(ctx); err != nil {
		return nil, err
	}

	d.metricsSrv = metrics.NewServer(conf.Global.MetricsAddr, d.metrics, log)
	if err = d.metricsSrv.Start(ctx); err != nil {
		return nil, err
	}

	d.api = api.NewServer(api.ServerConfig{Address: conf.Global.APIAddr, Logger: log}, api.Deps{
		Ingester: d.events,
		Reader:   ingest.NewReader(d.cache, store, 0, log),
		Health:   d.health,
		Status:   d.status,
	})
	if err = d.api.Start(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) startCache(ctx context.Context) error {
	d.memCache = cache.NewMemoryCache(ctx, cache.MemoryConfig{
		CleanupInterval: d.conf.Cache.CleanupInterval,
		Metrics:         d.metrics.Cache,
		Logger:          d.log,
	})

	var remote cache.RemoteStore
	if rc := d.conf.Cache.Redis; rc.Addr != "" {
		store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:        rc.Addr,
			Password:    rc.Password,
			DB:          rc.DB,
			KeyPrefix:   rc.KeyPrefix,
			DialTimeout: rc.DialTimeout,
			Compression: rc.Compression,
			CompressMin: rc.CompressMin,
			Breaker: circuit.Config{
				FailureThreshold: rc.BreakerTrips,
				Timeout:          rc.BreakerReset,
			},
			Metrics: d.metrics.Cache,
			Logger:  d.log,
		})
		if err != nil {
			d.memCache.Close()
			return err
		}
		d.redis = store
		remote = store
		d.health.Register(componentRemote, false, func(ctx context.Context) error {
			_, _, err := store.Get(ctx, "health:probe")
			return err
		})
	}

	d.cache = cache.NewManager(d.memCache, remote, cache.ManagerConfig{
		PromotionTTL: d.conf.Cache.PromotionTTL,
		Metrics:      d.metrics.Cache,
		Logger:       d.log,
	})
	return nil
}

// shutdown stops intake first, drains the event queue into the batcher,
// flushes the batcher into the sinks, then releases the stores. Draining and
// flushing give up when ctx ends; whatever is still in flight is abandoned.
func (d *daemon) shutdown(ctx context.Context) {
	if d.api != nil {
		if err := d.api.Shutdown(ctx); err != nil {
			d.log.Warn("API shutdown", map[string]interface{}{"error": err.Error()})
		}
	}
	if d.events != nil {
		if err := d.events.ShutdownContext(ctx); err != nil {
			d.log.Warn("Event processor shutdown", map[string]interface{}{"error": err.Error()})
		}
	}
	if d.batcher != nil {
		if err := d.batcher.Stop(ctx); err != nil {
			d.log.Warn("Batch processor stop", map[string]interface{}{"error": err.Error()})
		}
	}
	if d.memory != nil {
		d.memory.Stop()
	}
	if d.health != nil {
		d.health.Stop()
	}
	d.bgCancel()
	d.bg.Wait()

	switch {
	case d.cache != nil:
		if err := d.cache.Close(); err != nil {
			d.log.Warn("Cache close", map[string]interface{}{"error": err.Error()})
		}
	case d.memCache != nil:
		d.memCache.Close()
	}
	if d.pool != nil {
		if err := d.pool.Close(); err != nil {
			d.log.Warn("Database close", map[string]interface{}{"error": err.Error()})
		}
	}
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Stop(ctx)
	}
	d.log.Info("perfcore stopped")
}

func (d *daemon) status() map[string]interface{} {
	out := map[string]interface{}{
		"batch":    d.batcher.Stats(),
		"events":   d.events.Stats(),
		"database": d.pool.Stats(),
		"cache": map[string]interface{}{
			"memory_entries": d.memCache.Len(),
		},
	}
	if d.redis != nil {
		out["cache"].(map[string]interface{})["remote_breaker"] = d.redis.Breaker().State().String()
	}
	if d.memory != nil {
		out["memory"] = d.memory.Stats()
	}
	return out
}

// trackedSink reports every write outcome to the health tracker.
type trackedSink struct {
	name    string
	sink    ingest.Sink
	health  *health.Tracker
	// Optional; retries writes that fail with a retryable error.
	retryer *retry.Retryer
}

func (s trackedSink) WriteBatch(ctx context.Context, items []interface{}) error {
	var err error
	if s.retryer != nil {
		err = s.retryer.Do(ctx, func(ctx context.Context) error {
			return s.sink.WriteBatch(ctx, items)
		})
	} else {
		err = s.sink.WriteBatch(ctx, items)
	}
	s.health.Observe(s.name, err)
	return err
}
