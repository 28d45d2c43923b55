// Package rawdata fetches OHLCV windows from the external provider and
// enforces the as_of cutoff. No bar with timestamp after as_of ever
// leaves this package; that is what prevents look-ahead bias.
package rawdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quantpine/featurestore/internal/core/model"
)

// Provider is the external raw-data source. Implementations may return
// bars in any order and may include bars past end; the gateway cleans up.
type Provider interface {
	FetchBars(ctx context.Context, ticker string, start, end time.Time) (model.Bars, error)
}

type Gateway struct {
	provider    Provider
	log         *slog.Logger
	maxAttempts int
	baseBackoff time.Duration
}

type GatewayOption func(*Gateway)

func WithMaxAttempts(n int) GatewayOption {
	return func(g *Gateway) { g.maxAttempts = n }
}

func WithBaseBackoff(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.baseBackoff = d }
}

func NewGateway(p Provider, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		provider:    p,
		log:         logger,
		maxAttempts: 3,
		baseBackoff: 100 * time.Millisecond,
	}
	for _, f := range opts {
		f(g)
	}
	return g
}

// FetchBars returns the window [as_of - window_days, as_of] for a ticker,
// sorted ascending and deduplicated, with the cutoff applied strictly:
// a bar with t == as_of is included, t > as_of never.
//
// Transient provider failures are retried with exponential backoff up to
// maxAttempts; UnknownTicker and InsufficientData surface immediately.
func (g *Gateway) FetchBars(ctx context.Context, ticker string, asOf time.Time, windowDays int) (model.Bars, error) {
	ticker = model.NormalizeTicker(ticker)
	start := asOf.AddDate(0, 0, -windowDays)

	var bars model.Bars
	var err error
	for attempt := 1; ; attempt++ {
		bars, err = g.provider.FetchBars(ctx, ticker, start, asOf)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrUpstream) || attempt >= g.maxAttempts {
			return nil, fmt.Errorf("fetch bars %s: %w", ticker, err)
		}
		backoff := g.baseBackoff << (attempt - 1)
		g.log.Warn("provider fetch failed, retrying",
			"ticker", ticker, "attempt", attempt, "backoff", backoff.String(), "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch bars %s: %w", ticker, ctx.Err())
		}
	}

	bars = sanitize(bars, asOf)
	if len(bars) < windowDays {
		return nil, fmt.Errorf("fetch bars %s: have %d bars, need %d: %w",
			ticker, len(bars), windowDays, model.ErrInsufficientData)
	}
	return bars, nil
}

// sanitize drops bars past the cutoff, sorts ascending, and removes
// duplicate timestamps keeping the last occurrence.
func sanitize(bars model.Bars, cutoff time.Time) model.Bars {
	kept := make(model.Bars, 0, len(bars))
	for _, b := range bars {
		if b.TS.After(cutoff) {
			continue
		}
		kept = append(kept, b)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].TS.Before(kept[j].TS) })

	out := kept[:0]
	for _, b := range kept {
		if len(out) > 0 && out[len(out)-1].TS.Equal(b.TS) {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
