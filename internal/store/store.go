// Package store is the request facade. It resolves feature definitions,
// walks the tiers in order (L1, L2, compute), collapses duplicate work
// through the flight coordinator, and writes results back to both tiers.
//
// Tier failures degrade, they never fail a request: with L1 down reads go
// to L2, with L2 down writes queue for retry, and with both down values
// are computed and served uncached.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantpine/featurestore/internal/cache"
	"github.com/quantpine/featurestore/internal/cache/keys"
	"github.com/quantpine/featurestore/internal/cache/l2store"
	"github.com/quantpine/featurestore/internal/core/config"
	"github.com/quantpine/featurestore/internal/core/model"
	"github.com/quantpine/featurestore/internal/core/observability"
	"github.com/quantpine/featurestore/internal/flight"
	"github.com/quantpine/featurestore/internal/registry"
)

// FeatureRef names a feature; Version 0 resolves to the latest.
type FeatureRef struct {
	Name    string `json:"name"`
	Version int    `json:"version,omitempty"`
}

type Request struct {
	Tickers  []string
	Features []FeatureRef
	AsOf     time.Time

	// TTLOverride replaces the class TTL for values this request caches.
	// A zero override disables L1 for the request entirely, reads and
	// writes both.
	TTLOverride *time.Duration

	// Partial collects per-pair failures in Response.Errors instead of
	// failing the whole request.
	Partial bool

	// Deadline bounds the whole request. Zero keeps the server default;
	// the HTTP layer turns it into a context deadline before calling in.
	Deadline time.Duration
}

// Telemetry is the per-request tally returned with every response.
type Telemetry struct {
	CacheHits   int   `json:"cache_hits"`
	CacheMisses int   `json:"cache_misses"`
	Computed    int   `json:"computed"`
	LatencyMS   int64 `json:"latency_ms"`
}

type Response struct {
	Values    map[string]map[string]model.FeatureValue `json:"values"`
	Errors    map[string]map[string]string             `json:"errors,omitempty"`
	Telemetry Telemetry                                `json:"telemetry"`
}

// L2 is the durable tier surface the facade needs.
type L2 interface {
	GetMany(ctx context.Context, ks []model.FeatureKey) (map[model.FeatureKey]model.FeatureValue, error)
	PutManyBuffered(ctx context.Context, rs []l2store.Row)
	MarkSuperseded(ctx context.Context, ticker, feature string, from, to time.Time) (int64, error)
}

// Flights dedupes concurrent computations of one key.
type Flights interface {
	Do(ctx context.Context, cacheKey string, poll flight.PollFunc, compute flight.ComputeFunc) (model.FeatureValue, bool, error)
	Forget(cacheKey string)
}

// BarSource fetches the raw window behind a computation.
type BarSource interface {
	FetchBars(ctx context.Context, ticker string, asOf time.Time, windowDays int) (model.Bars, error)
}

// Runner executes one feature computation.
type Runner interface {
	Run(ctx context.Context, defn registry.Definition, key model.FeatureKey, bars model.Bars) (model.FeatureValue, error)
}

type Store struct {
	reg     *registry.Registry
	l1      cache.L1
	l2      L2
	flights Flights
	bars    BarSource
	engine  Runner
	log     *slog.Logger
	now     func() time.Time

	ttlIntraday    time.Duration
	ttlDaily       time.Duration
	ttlStaticMax   time.Duration
	ttlOverrides   map[string]time.Duration
	absentFraction float64
	cacheOpTimeout time.Duration

	// pending bounds computations in flight; a full channel rejects new
	// work with ErrOverloaded rather than queue unboundedly. One slot
	// per actual computation, never per waiter.
	pending chan struct{}
}

type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(reg *registry.Registry, l1 cache.L1, l2 L2, flights Flights, bars BarSource, engine Runner, cfg config.Config, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	buf := cfg.PendingComputeBuffer
	if buf <= 0 {
		buf = 64
	}
	s := &Store{
		reg:            reg,
		l1:             l1,
		l2:             l2,
		flights:        flights,
		bars:           bars,
		engine:         engine,
		log:            logger,
		now:            time.Now,
		ttlIntraday:    cfg.TTLIntraday,
		ttlDaily:       cfg.TTLDaily,
		ttlStaticMax:   cfg.TTLStaticMax,
		ttlOverrides:   cfg.TTLOverrides,
		absentFraction: cfg.AbsentTTLFraction,
		cacheOpTimeout: cfg.CacheOpTimeout,
		pending:        make(chan struct{}, buf),
	}
	for _, f := range opts {
		f(s)
	}
	return s
}

// pair is one deduplicated (ticker, feature) unit of work.
type pair struct {
	ticker string
	name   string
	defn   registry.Definition
	key    model.FeatureKey
	l1Key  string
	ttl    time.Duration
}

// GetFeatures resolves the full tickers x features cross product for one
// as_of. Values are keyed by normalized ticker, then by feature name as
// requested. In Partial mode failed pairs land in Errors and the rest of
// the response is still served.
func (s *Store) GetFeatures(ctx context.Context, req Request) (*Response, error) {
	if len(req.Tickers) == 0 || len(req.Features) == 0 {
		return nil, errors.New("tickers and features are required")
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	skipL1 := req.TTLOverride != nil && *req.TTLOverride == 0

	resp := &Response{Values: map[string]map[string]model.FeatureValue{}}
	var respMu sync.Mutex
	fail := func(ticker, name string, err error) {
		respMu.Lock()
		defer respMu.Unlock()
		if resp.Errors == nil {
			resp.Errors = map[string]map[string]string{}
		}
		if resp.Errors[ticker] == nil {
			resp.Errors[ticker] = map[string]string{}
		}
		resp.Errors[ticker][name] = err.Error()
	}
	serve := func(ticker, name string, fv model.FeatureValue) {
		respMu.Lock()
		defer respMu.Unlock()
		if resp.Values[ticker] == nil {
			resp.Values[ticker] = map[string]model.FeatureValue{}
		}
		resp.Values[ticker][name] = fv
	}

	// Resolve and deduplicate. Duplicate (ticker, feature) pairs in the
	// request collapse to one lookup fanned back out at serve time.
	pairs := make([]*pair, 0, len(req.Tickers)*len(req.Features))
	seen := map[model.FeatureKey]*pair{}
	fanout := map[model.FeatureKey][][2]string{}
	for _, ref := range req.Features {
		defn, err := s.reg.Lookup(ref.Name, ref.Version)
		if err != nil {
			if !req.Partial {
				return nil, err
			}
			for _, t := range req.Tickers {
				fail(model.NormalizeTicker(t), ref.Name, err)
			}
			continue
		}
		for _, raw := range req.Tickers {
			ticker := model.NormalizeTicker(raw)
			k := model.FeatureKey{
				Ticker:  ticker,
				Feature: defn.Name,
				AsOf:    keys.NormalizeAsOf(asOf, defn.Class),
				Version: defn.Version,
			}
			fanout[k] = append(fanout[k], [2]string{ticker, ref.Name})
			if _, dup := seen[k]; dup {
				continue
			}
			p := &pair{
				ticker: ticker,
				name:   ref.Name,
				defn:   defn,
				key:    k,
				l1Key:  keys.Key(k, defn.Class),
				ttl:    s.ttlFor(defn, req.TTLOverride),
			}
			seen[k] = p
			pairs = append(pairs, p)
		}
	}
	if len(pairs) == 0 {
		return resp, nil
	}

	start := s.now()
	wall := time.Now()
	served := map[model.FeatureKey]model.FeatureValue{}
	var l1Down, l2Down bool
	var tHits, tComputed int

	// L1 pass, one MGET for the batch.
	missing := pairs
	if !skipL1 {
		var hits map[model.FeatureKey]model.FeatureValue
		hits, l1Down = s.readL1(ctx, pairs)
		missing = missing[:0:0]
		for _, p := range pairs {
			if fv, ok := hits[p.key]; ok {
				served[p.key] = fv
				observability.IncFeatureRequest(string(model.TierL1))
				observability.ObserveFeatureLatency(string(model.TierL1), time.Since(start).Seconds())
			} else {
				missing = append(missing, p)
			}
		}
		tHits += len(hits)
		observability.AddCacheHits(len(hits))
		observability.AddCacheMisses(len(pairs) - len(hits))
	}

	// L2 pass for what L1 did not have.
	if len(missing) > 0 {
		ks := make([]model.FeatureKey, len(missing))
		for i, p := range missing {
			ks[i] = p.key
		}
		hits, err := s.l2.GetMany(ctx, ks)
		if err != nil {
			l2Down = true
			observability.IncL2Unavailable()
			s.log.Warn("l2 read failed, falling through to compute", "keys", len(ks), "err", err)
		}
		next := missing[:0:0]
		for _, p := range missing {
			fv, ok := hits[p.key]
			if !ok {
				next = append(next, p)
				continue
			}
			served[p.key] = fv
			tHits++
			observability.IncFeatureRequest(string(model.TierL2))
			observability.ObserveFeatureLatency(string(model.TierL2), time.Since(start).Seconds())
			if !skipL1 && !l1Down {
				s.promote(ctx, p, fv)
			}
		}
		missing = next
	}

	// Compute pass, one flight per key.
	tMisses := len(missing)
	if len(missing) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range missing {
			g.Go(func() error {
				fv, err := s.computeOne(gctx, p, skipL1, l1Down)
				if err != nil {
					if req.Partial {
						fail(p.ticker, p.name, err)
						return nil
					}
					return err
				}
				if l1Down && l2Down {
					observability.IncUncachedServed()
				}
				tier := string(fv.Source)
				observability.IncFeatureRequest(tier)
				observability.ObserveFeatureLatency(tier, time.Since(start).Seconds())
				respMu.Lock()
				served[p.key] = fv
				if fv.Source == model.TierComputed {
					tComputed++
				}
				respMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	for k, targets := range fanout {
		fv, ok := served[k]
		if !ok {
			continue // failed pair, already in Errors
		}
		for _, t := range targets {
			serve(t[0], t[1], fv)
		}
	}
	resp.Telemetry = Telemetry{
		CacheHits:   tHits,
		CacheMisses: tMisses,
		Computed:    tComputed,
		LatencyMS:   time.Since(wall).Milliseconds(),
	}
	return resp, nil
}

// computeOne runs the pair's flight. The pending slot is taken inside
// the flight's compute function, so callers collapsing onto an
// in-flight computation never count against the buffer.
func (s *Store) computeOne(ctx context.Context, p *pair, skipL1, l1Down bool) (model.FeatureValue, error) {
	poll := func(pctx context.Context) (model.FeatureValue, bool) {
		if !skipL1 && !l1Down {
			if hits, down := s.readL1(pctx, []*pair{p}); !down {
				if fv, ok := hits[p.key]; ok {
					return fv, true
				}
			}
		}
		if hits, err := s.l2.GetMany(pctx, []model.FeatureKey{p.key}); err == nil {
			if fv, ok := hits[p.key]; ok {
				return fv, true
			}
		}
		return model.FeatureValue{}, false
	}

	compute := func(cctx context.Context) (model.FeatureValue, error) {
		select {
		case s.pending <- struct{}{}:
		default:
			observability.IncOverloadedRejected()
			return model.FeatureValue{}, fmt.Errorf("compute queue full for %s: %w", p.key, model.ErrOverloaded)
		}
		defer func() { <-s.pending }()

		// A flight that starts just after another one finished finds the
		// fresh value here instead of recomputing it.
		if fv, ok := poll(cctx); ok {
			return fv, nil
		}
		bars, err := s.bars.FetchBars(cctx, p.ticker, p.key.AsOf, p.defn.WindowDays)
		if err != nil && !errors.Is(err, model.ErrInsufficientData) {
			return model.FeatureValue{}, err
		}
		var fv model.FeatureValue
		if err != nil {
			// Too little history is a result, cached briefly so a thin
			// window does not hammer the provider.
			fv = model.FeatureValue{
				Absent:       true,
				CalculatedAt: s.now(),
				Source:       model.TierComputed,
				Metadata: map[string]any{
					"condition":   "insufficient_data",
					"window_days": p.defn.WindowDays,
				},
			}
		} else {
			fv, err = s.engine.Run(cctx, p.defn, p.key, bars)
			if err != nil {
				return model.FeatureValue{}, err
			}
		}
		s.writeBack(cctx, p, fv, skipL1, l1Down)
		return fv, nil
	}

	fv, _, err := s.flights.Do(ctx, p.l1Key, poll, compute)
	return fv, err
}

// readL1 does one bounded MGET and decodes hits. down=true means the tier
// errored and should be skipped for the rest of the request.
func (s *Store) readL1(ctx context.Context, ps []*pair) (map[model.FeatureKey]model.FeatureValue, bool) {
	cctx, cancel := context.WithTimeout(ctx, s.cacheOpTimeout)
	defer cancel()

	ks := make([]string, len(ps))
	for i, p := range ps {
		ks[i] = p.l1Key
	}
	raw, err := s.l1.MGet(cctx, ks)
	if err != nil {
		observability.IncL1Unavailable()
		s.log.Warn("l1 read failed, degrading to l2", "keys", len(ks), "err", err)
		return nil, true
	}
	out := make(map[model.FeatureKey]model.FeatureValue, len(raw))
	for _, p := range ps {
		b, ok := raw[p.l1Key]
		if !ok {
			continue
		}
		var fv model.FeatureValue
		if err := json.Unmarshal(b, &fv); err != nil {
			s.log.Warn("l1 entry undecodable, treating as miss", "key", p.l1Key, "err", err)
			continue
		}
		fv.Source = model.TierL1
		out[p.key] = fv
	}
	return out, false
}

// promote copies an L2 hit into L1 off the request path.
func (s *Store) promote(ctx context.Context, p *pair, fv model.FeatureValue) {
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cacheOpTimeout)
		defer cancel()
		ttl := p.ttl
		if fv.Absent {
			ttl = s.absentTTL(ttl)
		}
		b, err := json.Marshal(fv)
		if err != nil {
			return
		}
		if err := s.l1.Set(cctx, p.l1Key, b, ttl); err != nil {
			s.log.Debug("l1 promotion failed", "key", p.l1Key, "err", err)
		}
	}()
}

// writeBack persists a freshly computed value to both tiers. L2 first so
// the durable record exists before the volatile one. Absent stays out of
// L2: it is a verdict, not data, and L2 rows never expire, so a durable
// Absent would be served forever once the shortened L1 entry lapses.
func (s *Store) writeBack(ctx context.Context, p *pair, fv model.FeatureValue, skipL1, l1Down bool) {
	if !fv.Absent {
		s.l2.PutManyBuffered(ctx, []l2store.Row{{
			Key:          p.key,
			Value:        fv.Value,
			CalculatedAt: fv.CalculatedAt,
			Metadata:     fv.Metadata,
		}})
	}

	if skipL1 || l1Down {
		return
	}
	ttl := p.ttl
	if fv.Absent {
		ttl = s.absentTTL(ttl)
	}
	b, err := json.Marshal(fv)
	if err != nil {
		s.log.Warn("l1 encode failed", "key", p.l1Key, "err", err)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cacheOpTimeout)
	defer cancel()
	if err := s.l1.Set(cctx, p.l1Key, b, ttl); err != nil {
		observability.IncL1Unavailable()
		s.log.Warn("l1 write failed", "key", p.l1Key, "err", err)
	}
}

func (s *Store) ttlFor(defn registry.Definition, override *time.Duration) time.Duration {
	if override != nil && *override > 0 {
		return *override
	}
	if d, ok := s.ttlOverrides[defn.Name]; ok {
		return d
	}
	switch defn.Class {
	case model.TTLIntraday:
		return s.ttlIntraday
	case model.TTLStatic:
		return s.ttlStaticMax
	default:
		return s.ttlDaily
	}
}

// absentTTL shortens the TTL for Absent entries so genuinely missing data
// is re-checked well before real values would expire.
func (s *Store) absentTTL(ttl time.Duration) time.Duration {
	at := time.Duration(float64(ttl) * s.absentFraction)
	if at < time.Minute {
		at = time.Minute
	}
	return at
}

// WarmReport summarizes a cache pre-population run.
type WarmReport struct {
	Requested int `json:"requested"`
	Warmed    int `json:"warmed"`
	Failed    int `json:"failed"`
}

const warmConcurrency = 8

// Warm pre-populates the caches for the given cross product. Individual
// failures are counted, never fatal; warming is best effort by contract.
func (s *Store) Warm(ctx context.Context, tickers []string, features []FeatureRef, asOf time.Time) WarmReport {
	report := WarmReport{Requested: len(tickers) * len(features)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, t := range tickers {
		g.Go(func() error {
			resp, err := s.GetFeatures(gctx, Request{
				Tickers:  []string{t},
				Features: features,
				AsOf:     asOf,
				Partial:  true,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed += len(features)
				return nil
			}
			for _, vals := range resp.Values {
				report.Warmed += len(vals)
			}
			for _, errs := range resp.Errors {
				report.Failed += len(errs)
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// InvalidateResult reports what an invalidation touched.
type InvalidateResult struct {
	L1Deleted    int   `json:"l1_deleted"`
	L2Superseded int64 `json:"l2_superseded"`
}

// maxInvalidationKeys caps L1 key enumeration for a range. Past the cap
// remaining entries are left to expire by TTL, which for intraday data is
// minutes anyway.
const maxInvalidationKeys = 20000

// Invalidate removes cached values for a ticker/feature over [from, to]:
// L1 entries are deleted, L2 rows marked superseded so the next read
// recomputes with a fresh calculated_at.
func (s *Store) Invalidate(ctx context.Context, ticker, feature string, from, to time.Time) (InvalidateResult, error) {
	var res InvalidateResult
	ticker = model.NormalizeTicker(ticker)
	versions := s.reg.Versions(feature)
	if len(versions) == 0 {
		return res, fmt.Errorf("invalidate %s: %w", feature, model.ErrUnknownFeature)
	}
	defn, err := s.reg.Lookup(feature, 0)
	if err != nil {
		return res, err
	}

	step := 24 * time.Hour
	if defn.Class == model.TTLIntraday {
		step = time.Minute
	}
	from = keys.NormalizeAsOf(from, defn.Class)
	to = keys.NormalizeAsOf(to, defn.Class)

	var l1Keys []string
	truncated := false
	for t := from; !t.After(to); t = t.Add(step) {
		for _, v := range versions {
			k := model.FeatureKey{Ticker: ticker, Feature: feature, AsOf: t, Version: v}
			l1Keys = append(l1Keys, keys.Key(k, defn.Class))
		}
		if len(l1Keys) >= maxInvalidationKeys {
			truncated = true
			break
		}
	}
	if truncated {
		s.log.Warn("invalidation range truncated for l1, remainder expires by ttl",
			"ticker", ticker, "feature", feature, "keys", len(l1Keys))
	}

	if len(l1Keys) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.cacheOpTimeout)
		err := s.l1.Del(cctx, l1Keys...)
		cancel()
		if err != nil {
			observability.IncL1Unavailable()
			s.log.Warn("l1 invalidation delete failed", "keys", len(l1Keys), "err", err)
		} else {
			res.L1Deleted = len(l1Keys)
		}
		for _, k := range l1Keys {
			s.flights.Forget(k)
		}
	}

	n, err := s.l2.MarkSuperseded(ctx, ticker, feature, from, to)
	if err != nil {
		return res, fmt.Errorf("invalidate %s/%s: %w", ticker, feature, err)
	}
	res.L2Superseded = n
	return res, nil
}
