// Package cache declares the L1 tier contract. L1 is a volatile
// accelerator: its contents may vanish at any time without correctness
// impact, and a miss never implies absence in L2.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/quantpine/featurestore/internal/core/model"
)

type L1 interface {
	// MGet returns found keys only; missing keys are simply not present
	// in the result map.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set is idempotent, last-writer-wins.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error
}

// Locker is the short-lived distributed lock used by the singleflight
// coordinator for cross-process dedupe.
type Locker interface {
	// Acquire returns true if the lock was taken. The lock expires on its
	// own after ttl; Release is best-effort.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Unavailable stands in for an L1 that could not be reached at startup.
// Every operation fails, which the read path treats as a degraded tier.
type Unavailable struct{}

func (Unavailable) MGet(context.Context, []string) (map[string][]byte, error) {
	return nil, fmt.Errorf("l1: %w", model.ErrTierUnavailable)
}

func (Unavailable) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("l1: %w", model.ErrTierUnavailable)
}

func (Unavailable) Del(context.Context, ...string) error {
	return fmt.Errorf("l1: %w", model.ErrTierUnavailable)
}

func (Unavailable) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, fmt.Errorf("lock: %w", model.ErrTierUnavailable)
}

func (Unavailable) Release(context.Context, string) error {
	return fmt.Errorf("lock: %w", model.ErrTierUnavailable)
}

func (Unavailable) Ping(context.Context) error {
	return fmt.Errorf("l1: %w", model.ErrTierUnavailable)
}
