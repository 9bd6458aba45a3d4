package cache

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/perfcore/internal/circuit"
	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

func newTestRedis(t *testing.T, conf RedisConfig) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	conf.Addr = mr.Addr()
	conf.DialTimeout = time.Second
	if conf.Logger == nil {
		conf.Logger = logging.Discard()
	}
	store, err := NewRedisStore(context.Background(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store, mr := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "alert:1", []byte(`{"severity":"high"}`), time.Minute))

	v, ok, err := store.Get(ctx, "alert:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"severity":"high"}`, string(v))

	assert.True(t, mr.Exists("perfcore:alert:1"), "default key prefix applied")
	assert.Equal(t, time.Minute, mr.TTL("perfcore:alert:1"))
}

func TestRedisStore_Miss(t *testing.T) {
	store, _ := newTestRedis(t, RedisConfig{})

	v, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestRedisStore_Expiry(t *testing.T) {
	store, mr := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 10*time.Second))
	mr.FastForward(11 * time.Second)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Compression(t *testing.T) {
	store, mr := newTestRedis(t, RedisConfig{Compression: true, CompressMin: 64, KeyPrefix: "t:"})
	ctx := context.Background()

	large := bytes.Repeat([]byte("login failed for user admin; "), 100)
	require.NoError(t, store.Set(ctx, "big", large, time.Minute))
	require.NoError(t, store.Set(ctx, "small", []byte("tiny"), time.Minute))

	stored, err := mr.Get("t:big")
	require.NoError(t, err)
	assert.Equal(t, encodingZstd, stored[0])
	assert.Less(t, len(stored), len(large))

	stored, err = mr.Get("t:small")
	require.NoError(t, err)
	assert.Equal(t, encodingRaw, stored[0])

	v, ok, err := store.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, large, v)
}

func TestRedisStore_CorruptValue(t *testing.T) {
	store, mr := newTestRedis(t, RedisConfig{})
	require.NoError(t, mr.Set("perfcore:bad", "\x07garbage"))

	_, _, err := store.Get(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageRead, errors.CodeOf(err))
}

func TestRedisStore_Delete(t *testing.T) {
	store, mr := newTestRedis(t, RedisConfig{})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, store.Delete(ctx, "k"))
	assert.False(t, mr.Exists("perfcore:k"))
}

func TestRedisStore_ServerErrorsOpenBreaker(t *testing.T) {
	m := metrics.New("test").Cache
	store, mr := newTestRedis(t, RedisConfig{
		Metrics: m,
		Breaker: circuit.Config{FailureThreshold: 2, Timeout: time.Minute},
	})
	ctx := context.Background()

	mr.SetError("ERR simulated outage")

	_, _, err := store.Get(ctx, "k")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRemoteUnavailable, errors.CodeOf(err))
	require.Error(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	assert.Equal(t, circuit.StateOpen, store.Breaker().State())

	mr.SetError("")
	_, _, err = store.Get(ctx, "k")
	assert.True(t, stderrors.Is(err, circuit.ErrOpen), "open breaker rejects without calling redis")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RemoteErrors.WithLabelValues("get")))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), RedisConfig{
		Addr:        addr,
		DialTimeout: 200 * time.Millisecond,
		Logger:      logging.Discard(),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConnectionFailed, errors.CodeOf(err))
}

func TestRedisStore_SetRejectsNonPositiveTTL(t *testing.T) {
	store, mr := newTestRedis(t, RedisConfig{})

	err := store.Set(context.Background(), "k", []byte("v"), 0)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
	assert.False(t, mr.Exists("perfcore:k"))
}
