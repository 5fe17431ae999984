package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market lookups for the read API.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id int64) (Market, error)
	Invalidate(ctx context.Context, id int64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides per-key leases. Acquire returns ErrLockHeld when
// another holder owns the key; the lease expires after ttl regardless.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
