// Package flight collapses concurrent computations of the same feature
// key into one execution. In-process callers share one flight via
// singleflight; across processes a short-lived Redis lock elects the
// computing instance and everyone else polls the caches for the result.
//
// The lock is an efficiency mechanism only. A stuck or lost lock delays
// a caller by at most the poll deadline, after which it computes locally.
package flight

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/quantpine/featurestore/internal/cache"
	"github.com/quantpine/featurestore/internal/core/model"
	"github.com/quantpine/featurestore/internal/core/observability"
)

type Coordinator struct {
	group  singleflight.Group
	locker cache.Locker
	owner  string
	log    *slog.Logger

	lockTTL      time.Duration
	pollDeadline time.Duration
	pollInterval time.Duration
}

type Option func(*Coordinator)

func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTTL = d }
}

func WithPollDeadline(d time.Duration) Option {
	return func(c *Coordinator) { c.pollDeadline = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

func New(locker cache.Locker, owner string, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		locker:       locker,
		owner:        owner,
		log:          logger,
		lockTTL:      30 * time.Second,
		pollDeadline: 30 * time.Second,
		pollInterval: 50 * time.Millisecond,
	}
	for _, f := range opts {
		f(c)
	}
	return c
}

// LockKey derives a fixed-length Redis lock key from a cache key so that
// hostile feature or ticker names cannot bloat the lock namespace.
func LockKey(cacheKey string) string {
	return fmt.Sprintf("lock:feature:%016x", xxhash.Sum64String(cacheKey))
}

// PollFunc checks the caches for a value published by another process.
// It returns ok=false when nothing usable is there yet.
type PollFunc func(ctx context.Context) (model.FeatureValue, bool)

// ComputeFunc produces the value locally and caches it.
type ComputeFunc func(ctx context.Context) (model.FeatureValue, error)

// Do runs at most one computation per cacheKey at a time.
//
// In-process concurrent callers join the same flight and all receive the
// same result or the same error. Errors are returned to every waiter and
// nothing is cached for them. The flight itself is detached from any one
// caller's context: if the caller's deadline fires, the caller gets
// ErrDeadline while the computation finishes and populates the caches.
func (c *Coordinator) Do(ctx context.Context, cacheKey string, poll PollFunc, compute ComputeFunc) (model.FeatureValue, bool, error) {
	ch := c.group.DoChan(cacheKey, func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)
		return c.fly(flightCtx, cacheKey, poll, compute)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.FeatureValue{}, res.Shared, res.Err
		}
		return res.Val.(model.FeatureValue), res.Shared, nil
	case <-ctx.Done():
		return model.FeatureValue{}, true, fmt.Errorf("flight %s: %w", cacheKey, model.ErrDeadline)
	}
}

func (c *Coordinator) fly(ctx context.Context, cacheKey string, poll PollFunc, compute ComputeFunc) (model.FeatureValue, error) {
	lk := LockKey(cacheKey)
	acquired, err := c.locker.Acquire(ctx, lk, c.owner, c.lockTTL)
	if err != nil {
		// Lock tier down. Compute without coordination rather than fail.
		observability.IncLockOutcome("error")
		c.log.Warn("lock acquire failed, computing uncoordinated", "key", cacheKey, "err", err)
		return compute(ctx)
	}
	if acquired {
		observability.IncLockOutcome("acquired")
		defer func() {
			if rerr := c.locker.Release(context.WithoutCancel(ctx), lk); rerr != nil {
				c.log.Debug("lock release failed", "key", lk, "err", rerr)
			}
		}()
		return compute(ctx)
	}

	// Another instance is computing. Poll the caches until its result
	// lands or the deadline passes.
	deadline := time.NewTimer(c.pollDeadline)
	defer deadline.Stop()
	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if fv, ok := poll(ctx); ok {
				observability.IncLockOutcome("waited")
				return fv, nil
			}
			// The holder may have finished with an error, or crashed.
			// Take over the moment the lock frees up.
			acquired, err := c.locker.Acquire(ctx, lk, c.owner, c.lockTTL)
			if err == nil && acquired {
				observability.IncLockOutcome("acquired")
				defer func() {
					if rerr := c.locker.Release(context.WithoutCancel(ctx), lk); rerr != nil {
						c.log.Debug("lock release failed", "key", lk, "err", rerr)
					}
				}()
				return compute(ctx)
			}
		case <-deadline.C:
			observability.IncLockOutcome("fallback")
			c.log.Warn("poll deadline exceeded, computing locally", "key", cacheKey)
			return compute(ctx)
		case <-ctx.Done():
			return model.FeatureValue{}, fmt.Errorf("flight %s: %w", cacheKey, ctx.Err())
		}
	}
}

// Forget drops the in-process flight for a key so the next caller starts
// a fresh one. Used after invalidation.
func (c *Coordinator) Forget(cacheKey string) {
	c.group.Forget(cacheKey)
}
