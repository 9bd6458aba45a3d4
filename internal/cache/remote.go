package cache

import (
	"context"
	"time"

	"github.com/sentinelops/perfcore/pkg/errors"
)

// ErrInvalidTTL is returned by Set when ttl is not positive. Neither tier
// stores values without an expiry.
var ErrInvalidTTL = errors.NewError(errors.ErrCodeInvalidConfig, "cache ttl must be positive")

// RemoteStore is the shared second tier. Implementations must report a missing
// key as (nil, false, nil) and reserve errors for transport or server failures.
// Set must reject a non-positive ttl with ErrInvalidTTL.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
