// Package compute executes feature definitions on a bounded worker pool.
// Compute functions are CPU-bound and synchronous on their worker; they
// hold no other resource while running.
package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/quantpine/featurestore/internal/core/model"
	"github.com/quantpine/featurestore/internal/core/observability"
	"github.com/quantpine/featurestore/internal/costevents"
	"github.com/quantpine/featurestore/internal/registry"
)

type Engine struct {
	sem chan struct{}
	log *slog.Logger
	now func() time.Time
}

type Option func(*Engine)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(poolSize int, logger *slog.Logger, opts ...Option) *Engine {
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		sem: make(chan struct{}, poolSize),
		log: logger,
		now: time.Now,
	}
	for _, f := range opts {
		f(e)
	}
	return e
}

// Run executes the definition's compute function against bars.
//
// InsufficientData from the function is a legitimate Absent result, not
// an error. NaN or Inf from a well-defined computation is logged and
// surfaced as Absent with the condition recorded in metadata. A panicking
// compute propagates as an error and is never cached.
func (e *Engine) Run(ctx context.Context, defn registry.Definition, key model.FeatureKey, bars model.Bars) (model.FeatureValue, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return model.FeatureValue{}, fmt.Errorf("compute %s: %w", key, model.ErrDeadline)
	}
	defer func() { <-e.sem }()

	observability.IncComputeRun(defn.Name)
	observability.AddComputeCost(defn.Name, defn.CostUSD)
	costevents.Publish(costevents.Event{
		Ticker:  key.Ticker,
		Feature: defn.Name,
		Version: defn.Version,
		CostUSD: defn.CostUSD,
		TS:      e.now().UTC(),
	})

	res, err := e.invoke(defn, bars)
	calcAt := e.now()
	meta := map[string]any{
		"window_days": defn.WindowDays,
		"bars_used":   len(bars),
	}

	switch {
	case err != nil && isInsufficient(err):
		meta["condition"] = "insufficient_data"
		return model.FeatureValue{
			Absent:       true,
			CalculatedAt: calcAt,
			Source:       model.TierComputed,
			Metadata:     meta,
		}, nil
	case err != nil:
		return model.FeatureValue{}, fmt.Errorf("compute %s v%d for %s: %w", defn.Name, defn.Version, key.Ticker, err)
	case res.Absent:
		return model.FeatureValue{
			Absent:       true,
			CalculatedAt: calcAt,
			Source:       model.TierComputed,
			Metadata:     meta,
		}, nil
	case math.IsNaN(res.Value) || math.IsInf(res.Value, 0):
		e.log.Warn("compute produced non-finite value",
			"feature", defn.Name, "ticker", key.Ticker, "value", fmt.Sprint(res.Value))
		meta["condition"] = "non_finite"
		return model.FeatureValue{
			Absent:       true,
			CalculatedAt: calcAt,
			Source:       model.TierComputed,
			Metadata:     meta,
		}, nil
	default:
		return model.FeatureValue{
			Value:        res.Value,
			CalculatedAt: calcAt,
			Source:       model.TierComputed,
			Metadata:     meta,
		}, nil
	}
}

// invoke isolates panics from compute functions.
func (e *Engine) invoke(defn registry.Definition, bars model.Bars) (res registry.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("compute %s v%d panic: %v", defn.Name, defn.Version, rec)
		}
	}()
	return defn.Compute(bars)
}

func isInsufficient(err error) bool {
	return errors.Is(err, model.ErrInsufficientData)
}
