// Package retry repeats operations that fail with a retryable error, backing
// off exponentially between attempts.
package retry

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"

	"github.com/sentinelops/perfcore/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// Attempts including the first one. Default 5.
	MaxAttempts int `yaml:"max_attempts"`
	// Delay before the first retry. Default 100ms.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// Cap on the delay between attempts. Default 30s.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Growth factor of the delay. Default 2.
	Multiplier float64 `yaml:"multiplier"`
	// Spread each delay by up to 20% either way.
	Jitter bool `yaml:"jitter"`

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	conf Config
}

// New creates a Retryer, filling zero fields with defaults.
func New(conf Config) *Retryer {
	setter.SetDefault(&conf.MaxAttempts, 5)
	setter.SetDefault(&conf.InitialDelay, 100*time.Millisecond)
	setter.SetDefault(&conf.MaxDelay, 30*time.Second)
	setter.SetDefault(&conf.Multiplier, 2.0)
	return &Retryer{conf: conf}
}

// Do calls fn until it succeeds, returns an error that is not retryable, or
// the attempts run out. Only a *errors.CoreError with Retryable set is
// retried. The last error is returned unchanged so callers can still match
// its code.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "retry canceled").
				WithDetail("attempts", attempt-1)
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= r.conf.MaxAttempts || !Retryable(err) {
			return err
		}

		delay := r.delay(attempt)
		if r.conf.OnRetry != nil {
			r.conf.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "retry canceled").
				WithDetail("attempts", attempt)
		case <-clock.After(delay):
		}
	}
}

// Retryable reports whether err carries a retryable CoreError.
func Retryable(err error) bool {
	var ce *errors.CoreError
	return stderrors.As(err, &ce) && ce.Retryable
}

func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.conf.InitialDelay) * math.Pow(r.conf.Multiplier, float64(attempt-1))
	if d > float64(r.conf.MaxDelay) {
		d = float64(r.conf.MaxDelay)
	}
	if r.conf.Jitter {
		d += d * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}
