package cache

import (
	"context"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mailgun/holster/v4/setter"
	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelops/perfcore/internal/circuit"
	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

// Value header bytes. Every stored value starts with one of these.
const (
	encodingRaw  byte = 0x00
	encodingZstd byte = 0x01
)

// RedisConfig configures the Redis-backed remote tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prepended to every key. Default "perfcore:".
	KeyPrefix string

	// Bounds the liveness check at construction. Default 5s.
	DialTimeout time.Duration

	// Compress values of at least CompressMin bytes (default 1024) with zstd.
	Compression bool
	CompressMin int

	Breaker circuit.Config

	Metrics *metrics.CacheMetrics
	Logger  *logging.Logger
}

// RedisStore implements RemoteStore on Redis.
type RedisStore struct {
	client  redis.UniversalClient
	conf    RedisConfig
	breaker *circuit.Breaker
	log     *logging.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewRedisStore connects to Redis and fails fast when the server does not
// answer a PING within DialTimeout.
func NewRedisStore(ctx context.Context, conf RedisConfig) (*RedisStore, error) {
	setter.SetDefault(&conf.DialTimeout, 5*time.Second)

	client := redis.NewClient(&redis.Options{
		Addr:        conf.Addr,
		Password:    conf.Password,
		DB:          conf.DB,
		DialTimeout: conf.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, conf.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, "redis ping failed").
			WithComponent("redis").WithDetail("addr", conf.Addr)
	}

	return NewRedisStoreFromClient(client, conf)
}

// NewRedisStoreFromClient wraps an existing client without pinging it.
func NewRedisStoreFromClient(client redis.UniversalClient, conf RedisConfig) (*RedisStore, error) {
	setter.SetDefault(&conf.KeyPrefix, "perfcore:")
	setter.SetDefault(&conf.CompressMin, 1024)
	if conf.Metrics == nil {
		conf.Metrics = metrics.New("").Cache
	}
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}

	s := &RedisStore{
		client: client,
		conf:   conf,
		log:    conf.Logger.WithComponent("redis"),
	}

	breakerConf := conf.Breaker
	userHook := breakerConf.OnStateChange
	breakerConf.OnStateChange = func(name string, from, to circuit.State) {
		s.log.Warn("Remote cache breaker changed state", map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	s.breaker = circuit.New("redis", breakerConf)

	var err error
	if s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)); err != nil {
		return nil, pkgerrors.Wrap(err, "while creating zstd encoder")
	}
	if s.decoder, err = zstd.NewReader(nil); err != nil {
		return nil, pkgerrors.Wrap(err, "while creating zstd decoder")
	}
	return s, nil
}

// Get fetches key. A missing key is not an error.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var raw []byte
	var found bool

	err := s.breaker.Execute(func() error {
		b, err := s.client.Get(ctx, s.conf.KeyPrefix+key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		raw, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, s.remoteError("get", key, err)
	}
	if !found {
		return nil, false, nil
	}

	value, err := s.decode(raw)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeStorageRead, "corrupt cache value").
			WithComponent("redis").WithOperation("get").WithDetail("key", key)
	}
	return value, true, nil
}

// Set stores value with ttl. A non-positive ttl is rejected with
// ErrInvalidTTL; redis would otherwise keep the key forever.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	payload := s.encode(value)

	err := s.breaker.Execute(func() error {
		return s.client.Set(ctx, s.conf.KeyPrefix+key, payload, ttl).Err()
	})
	if err != nil {
		return s.remoteError("set", key, err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	err := s.breaker.Execute(func() error {
		return s.client.Del(ctx, s.conf.KeyPrefix+key).Err()
	})
	if err != nil {
		return s.remoteError("delete", key, err)
	}
	return nil
}

// Close releases the client and the codec state.
func (s *RedisStore) Close() error {
	s.decoder.Close()
	_ = s.encoder.Close()
	return s.client.Close()
}

// Breaker exposes the breaker guarding Redis calls.
func (s *RedisStore) Breaker() *circuit.Breaker {
	return s.breaker
}

func (s *RedisStore) remoteError(op, key string, err error) error {
	s.conf.Metrics.RemoteErrors.WithLabelValues(op).Inc()
	return errors.Wrap(err, errors.ErrCodeRemoteUnavailable, "redis "+op+" failed").
		WithComponent("redis").WithOperation(op).WithDetail("key", key)
}

func (s *RedisStore) encode(value []byte) []byte {
	if s.conf.Compression && len(value) >= s.conf.CompressMin {
		out := make([]byte, 1, len(value)/2+1)
		out[0] = encodingZstd
		return s.encoder.EncodeAll(value, out)
	}
	out := make([]byte, 0, len(value)+1)
	out = append(out, encodingRaw)
	return append(out, value...)
}

func (s *RedisStore) decode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, pkgerrors.New("missing encoding header")
	}
	switch raw[0] {
	case encodingRaw:
		return raw[1:], nil
	case encodingZstd:
		return s.decoder.DecodeAll(raw[1:], nil)
	default:
		return nil, pkgerrors.Errorf("unknown encoding header 0x%02x", raw[0])
	}
}
