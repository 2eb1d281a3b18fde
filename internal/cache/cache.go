// Package cache holds short-lived keyed values such as one-time codes.
package cache

import (
	"context"
	"time"
)

// Store is a keyed cache with per-entry expiry. Get reports ok=false for missing or
// expired keys.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Delete(ctx context.Context, key string) error
	// Incr atomically adds one to the counter at key and returns the new value.
	// A missing or expired key starts at 1 and expires after ttl; an existing
	// counter keeps its expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Sweeper is implemented by stores that need expired entries removed explicitly.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RunSweeper calls s.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}
