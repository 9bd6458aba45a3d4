package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/perfcore/pkg/errors"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	var delays []time.Duration
	conf := fastConfig()
	conf.OnRetry = func(_ int, _ error, d time.Duration) { delays = append(delays, d) }

	attempts := 0
	err := New(conf).Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeConnectionFailed, "dial refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeInvalidConfig, "bad dsn")
	})
	assert.Equal(t, 1, attempts)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))

	attempts = 0
	_ = New(fastConfig()).Do(context.Background(), func(context.Context) error {
		attempts++
		return stderrors.New("plain error")
	})
	assert.Equal(t, 1, attempts, "plain errors are not retried")
}

func TestDo_ExhaustedKeepsLastError(t *testing.T) {
	attempts := 0
	err := New(fastConfig()).Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.NewError(errors.ErrCodeStorageWrite, "put failed")
	})
	assert.Equal(t, 3, attempts)
	assert.Equal(t, errors.ErrCodeStorageWrite, errors.CodeOf(err))
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conf := fastConfig()
	conf.InitialDelay = time.Hour
	conf.MaxDelay = time.Hour

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := New(conf).Do(ctx, func(context.Context) error {
		return errors.NewError(errors.ErrCodeConnectionTimeout, "timeout")
	})
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelay_CappedAndJittered(t *testing.T) {
	r := New(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, r.delay(1))
	assert.Equal(t, 800*time.Millisecond, r.delay(4))
	assert.Equal(t, time.Second, r.delay(10))

	r = New(Config{InitialDelay: 100 * time.Millisecond, Jitter: true})
	for i := 0; i < 50; i++ {
		d := r.delay(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}
