package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantpine/featurestore/internal/cache/l2store"
	"github.com/quantpine/featurestore/internal/compute"
	"github.com/quantpine/featurestore/internal/core/config"
	"github.com/quantpine/featurestore/internal/core/model"
	"github.com/quantpine/featurestore/internal/flight"
	"github.com/quantpine/featurestore/internal/registry"
)

// memL1 is an in-memory L1 with TTL and fault injection.
type memL1 struct {
	mu   sync.Mutex
	data map[string]memEntry
	down bool
	sets int
	gets int
}

type memEntry struct {
	b   []byte
	exp time.Time
}

func newMemL1() *memL1 { return &memL1{data: map[string]memEntry{}} }

func (m *memL1) MGet(_ context.Context, ks []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.down {
		return nil, errors.New("l1 down")
	}
	out := map[string][]byte{}
	now := time.Now()
	for _, k := range ks {
		if e, ok := m.data[k]; ok && now.Before(e.exp) {
			out[k] = e.b
		}
	}
	return out, nil
}

func (m *memL1) Set(_ context.Context, k string, v []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errors.New("l1 down")
	}
	m.sets++
	m.data[k] = memEntry{b: v, exp: time.Now().Add(ttl)}
	return nil
}

func (m *memL1) Del(_ context.Context, ks ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errors.New("l1 down")
	}
	for _, k := range ks {
		delete(m.data, k)
	}
	return nil
}

func (m *memL1) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *memL1) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

func (m *memL1) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func (m *memL1) ttlOf(k string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[k]
	if !ok {
		return 0
	}
	return time.Until(e.exp)
}

// fakeLocker is an in-process cache.Locker.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func (l *fakeLocker) Acquire(_ context.Context, key, _ string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	l.held[key] = time.Now().Add(ttl)
	return true, nil
}

func (l *fakeLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
	return nil
}

// fakeBars serves a synthetic ascending daily window.
type fakeBars struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeBars) FetchBars(_ context.Context, _ string, asOf time.Time, windowDays int) (model.Bars, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make(model.Bars, 0, windowDays+1)
	for i := windowDays; i >= 0; i-- {
		ts := asOf.AddDate(0, 0, -i)
		px := 100 + float64(windowDays-i)
		out = append(out, model.Bar{TS: ts, Open: px, High: px + 1, Low: px - 1, Close: px, Volume: 1000})
	}
	return out, nil
}

func (f *fakeBars) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store    *Store
	l1       *memL1
	l2       *l2store.Store
	bars     *fakeBars
	computes *atomic.Int32
	block    chan struct{} // close_blocking waits on this
}

func testConfig() config.Config {
	return config.Config{
		TTLIntraday:          5 * time.Minute,
		TTLDaily:             24 * time.Hour,
		TTLStaticMax:         24 * time.Hour,
		AbsentTTLFraction:    0.1,
		CacheOpTimeout:       time.Second,
		PendingComputeBuffer: 32,
		ComputePoolSize:      4,
	}
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	h := &harness{
		l1:       newMemL1(),
		bars:     &fakeBars{},
		computes: &atomic.Int32{},
		block:    make(chan struct{}),
	}

	reg := registry.New()
	must := func(err error) {
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(reg.Register(registry.Definition{
		Name: "close_last", Version: 1, Class: model.TTLDaily, WindowDays: 1, CostUSD: 0.0001,
		Compute: func(bars model.Bars) (registry.Result, error) {
			h.computes.Add(1)
			return registry.Result{Value: bars[len(bars)-1].Close}, nil
		},
	}))
	must(reg.Register(registry.Definition{
		Name: "close_blocking", Version: 1, Class: model.TTLDaily, WindowDays: 1, CostUSD: 0.0001,
		Compute: func(bars model.Bars) (registry.Result, error) {
			<-h.block
			return registry.Result{Value: bars[len(bars)-1].Close}, nil
		},
	}))
	reg.Freeze()

	l2, err := l2store.Open(":memory:", "test", 100, nil)
	if err != nil {
		t.Fatalf("l2store.Open: %v", err)
	}
	t.Cleanup(func() { _ = l2.Close() })
	h.l2 = l2

	flights := flight.New(&fakeLocker{held: map[string]time.Time{}}, "test", nil,
		flight.WithPollInterval(2*time.Millisecond),
		flight.WithPollDeadline(300*time.Millisecond))
	h.store = New(reg, h.l1, l2, flights, h.bars, compute.New(cfg.ComputePoolSize, nil), cfg, nil)
	return h
}

func asOf() time.Time {
	return time.Date(2024, 11, 8, 0, 0, 0, 0, time.UTC)
}

func closeLast() []FeatureRef { return []FeatureRef{{Name: "close_last"}} }

func TestGetFeatures_ColdThenWarm(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	resp, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"aapl"}, Features: closeLast(), AsOf: asOf()})
	if err != nil {
		t.Fatalf("cold GetFeatures: %v", err)
	}
	fv := resp.Values["AAPL"]["close_last"]
	if fv.Source != model.TierComputed || fv.Value != 101 {
		t.Fatalf("cold read: %+v", fv)
	}
	if h.computes.Load() != 1 {
		t.Fatalf("computes=%d want 1", h.computes.Load())
	}
	if tel := resp.Telemetry; tel.CacheHits != 0 || tel.CacheMisses != 1 || tel.Computed != 1 {
		t.Fatalf("cold telemetry: %+v", tel)
	}

	resp, err = h.store.GetFeatures(ctx, Request{Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf()})
	if err != nil {
		t.Fatalf("warm GetFeatures: %v", err)
	}
	fv2 := resp.Values["AAPL"]["close_last"]
	if fv2.Source != model.TierL1 {
		t.Fatalf("warm read source=%s want l1", fv2.Source)
	}
	if !fv2.CalculatedAt.Equal(fv.CalculatedAt) {
		t.Fatalf("cached value recomputed: %v vs %v", fv2.CalculatedAt, fv.CalculatedAt)
	}
	if h.computes.Load() != 1 {
		t.Fatalf("warm read recomputed, computes=%d", h.computes.Load())
	}
	if tel := resp.Telemetry; tel.CacheHits != 1 || tel.CacheMisses != 0 || tel.Computed != 0 {
		t.Fatalf("warm telemetry: %+v", tel)
	}
	if resp.Telemetry.LatencyMS < 0 {
		t.Fatalf("latency_ms=%d", resp.Telemetry.LatencyMS)
	}
}

func TestGetFeatures_ThunderingHerdComputesOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	const callers = 200
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf()})
			if err != nil {
				errs <- err
				return
			}
			if v := resp.Values["AAPL"]["close_last"].Value; v != 101 {
				errs <- fmt.Errorf("value=%v", v)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent caller: %v", err)
	}
	if got := h.computes.Load(); got != 1 {
		t.Fatalf("computes=%d want 1", got)
	}
}

func TestGetFeatures_L1ExpiryFallsBackToL2(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	short := 20 * time.Millisecond

	resp, err := h.store.GetFeatures(ctx, Request{
		Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf(), TTLOverride: &short,
	})
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	orig := resp.Values["AAPL"]["close_last"]

	time.Sleep(40 * time.Millisecond)

	resp, err = h.store.GetFeatures(ctx, Request{Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf()})
	if err != nil {
		t.Fatalf("GetFeatures after expiry: %v", err)
	}
	fv := resp.Values["AAPL"]["close_last"]
	if fv.Source != model.TierL2 {
		t.Fatalf("source=%s want l2 after l1 expiry", fv.Source)
	}
	if !fv.CalculatedAt.Equal(orig.CalculatedAt) {
		t.Fatalf("l2 served a different computation: %v vs %v", fv.CalculatedAt, orig.CalculatedAt)
	}
	if h.computes.Load() != 1 {
		t.Fatalf("expiry caused recompute, computes=%d", h.computes.Load())
	}
}

func TestInvalidate_ForcesRecomputeWithNewerCalculatedAt(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	resp, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf()})
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	before := resp.Values["AAPL"]["close_last"]

	res, err := h.store.Invalidate(ctx, "AAPL", "close_last", asOf(), asOf())
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if res.L1Deleted != 1 || res.L2Superseded != 1 {
		t.Fatalf("invalidate result: %+v", res)
	}

	resp, err = h.store.GetFeatures(ctx, Request{Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf()})
	if err != nil {
		t.Fatalf("GetFeatures after invalidate: %v", err)
	}
	after := resp.Values["AAPL"]["close_last"]
	if after.Source != model.TierComputed {
		t.Fatalf("source=%s want computed after invalidate", after.Source)
	}
	if !after.CalculatedAt.After(before.CalculatedAt) {
		t.Fatalf("calculated_at did not advance: %v -> %v", before.CalculatedAt, after.CalculatedAt)
	}
	if h.computes.Load() != 2 {
		t.Fatalf("computes=%d want 2", h.computes.Load())
	}
}

func TestGetFeatures_L1DownDegradesToL2(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if _, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf()}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.l1.setDown(true)

	resp, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf()})
	if err != nil {
		t.Fatalf("GetFeatures with l1 down: %v", err)
	}
	fv := resp.Values["AAPL"]["close_last"]
	if fv.Source != model.TierL2 {
		t.Fatalf("source=%s want l2", fv.Source)
	}
	if h.computes.Load() != 1 {
		t.Fatalf("l1 outage caused recompute, computes=%d", h.computes.Load())
	}
}

func TestGetFeatures_L2DownStillServesComputed(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	_ = h.l2.Close()

	resp, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf()})
	if err != nil {
		t.Fatalf("GetFeatures with l2 down: %v", err)
	}
	fv := resp.Values["AAPL"]["close_last"]
	if fv.Value != 101 || fv.Source != model.TierComputed {
		t.Fatalf("unexpected value: %+v", fv)
	}
	if h.l2.PendingRetries() == 0 {
		t.Fatalf("l2 write not queued for retry")
	}
}

func TestGetFeatures_TTLOverrideZeroBypassesL1(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	zero := time.Duration(0)

	_, err := h.store.GetFeatures(ctx, Request{
		Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf(), TTLOverride: &zero,
	})
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if h.l1.getCount() != 0 || h.l1.setCount() != 0 {
		t.Fatalf("l1 touched with zero override: gets=%d sets=%d", h.l1.getCount(), h.l1.setCount())
	}

	// The value still reached L2.
	resp, err := h.store.GetFeatures(ctx, Request{
		Tickers: []string{"AAPL"}, Features: closeLast(), AsOf: asOf(), TTLOverride: &zero,
	})
	if err != nil {
		t.Fatalf("second GetFeatures: %v", err)
	}
	if resp.Values["AAPL"]["close_last"].Source != model.TierL2 {
		t.Fatalf("source=%s want l2", resp.Values["AAPL"]["close_last"].Source)
	}
}

func TestGetFeatures_PartialReportsPerPairErrors(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	resp, err := h.store.GetFeatures(ctx, Request{
		Tickers:  []string{"AAPL"},
		Features: []FeatureRef{{Name: "close_last"}, {Name: "no_such_feature"}},
		AsOf:     asOf(),
		Partial:  true,
	})
	if err != nil {
		t.Fatalf("partial GetFeatures: %v", err)
	}
	if _, ok := resp.Values["AAPL"]["close_last"]; !ok {
		t.Fatalf("good feature missing from partial response")
	}
	if resp.Errors["AAPL"]["no_such_feature"] == "" {
		t.Fatalf("bad feature missing from Errors: %+v", resp.Errors)
	}

	// Without Partial the same request fails outright.
	_, err = h.store.GetFeatures(ctx, Request{
		Tickers:  []string{"AAPL"},
		Features: []FeatureRef{{Name: "close_last"}, {Name: "no_such_feature"}},
		AsOf:     asOf(),
	})
	if !errors.Is(err, model.ErrUnknownFeature) {
		t.Fatalf("want ErrUnknownFeature, got %v", err)
	}
}

func TestGetFeatures_AbsentOnInsufficientDataGetsShortTTL(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.bars.err = fmt.Errorf("thin history: %w", model.ErrInsufficientData)

	resp, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"NEWIPO"}, Features: closeLast(), AsOf: asOf()})
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	fv := resp.Values["NEWIPO"]["close_last"]
	if !fv.Absent || fv.Metadata["condition"] != "insufficient_data" {
		t.Fatalf("want absent with condition, got %+v", fv)
	}

	key := "feature:NEWIPO:close_last:2024-11-08:1"
	ttl := h.l1.ttlOf(key)
	if ttl <= 0 {
		t.Fatalf("absent value not cached in l1")
	}
	// 10% of the daily TTL, far below the full 24h.
	if ttl > 3*time.Hour {
		t.Fatalf("absent ttl=%v, want the shortened fraction", ttl)
	}

	// Absent never reaches L2, so once the L1 entry lapses the key is
	// genuinely re-checked instead of serving a durable Absent forever.
	k := model.FeatureKey{Ticker: "NEWIPO", Feature: "close_last", AsOf: asOf(), Version: 1}
	l2got, err := h.l2.GetMany(ctx, []model.FeatureKey{k})
	if err != nil {
		t.Fatalf("l2 GetMany: %v", err)
	}
	if len(l2got) != 0 {
		t.Fatalf("absent value persisted to l2: %+v", l2got)
	}

	fetches := h.bars.callCount()
	if err := h.l1.Del(ctx, key); err != nil {
		t.Fatalf("l1 del: %v", err)
	}
	if _, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"NEWIPO"}, Features: closeLast(), AsOf: asOf()}); err != nil {
		t.Fatalf("GetFeatures recheck: %v", err)
	}
	if h.bars.callCount() != fetches+1 {
		t.Fatalf("recheck did not refetch bars: %d -> %d", fetches, h.bars.callCount())
	}
}

func TestGetFeatures_OverloadRejectsWithSentinel(t *testing.T) {
	cfg := testConfig()
	cfg.PendingComputeBuffer = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = h.store.GetFeatures(ctx, Request{
			Tickers: []string{"AAPL"}, Features: []FeatureRef{{Name: "close_blocking"}}, AsOf: asOf(),
		})
	}()
	<-started
	time.Sleep(30 * time.Millisecond)

	_, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"MSFT"}, Features: closeLast(), AsOf: asOf()})
	close(h.block)
	if !errors.Is(err, model.ErrOverloaded) {
		t.Fatalf("want ErrOverloaded, got %v", err)
	}
}

func TestGetFeatures_HerdOnOneKeyIsNotOverload(t *testing.T) {
	cfg := testConfig()
	cfg.PendingComputeBuffer = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	// Many callers collapsing onto one in-flight computation consume one
	// pending slot between them, not one each.
	const callers = 100
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.store.GetFeatures(ctx, Request{
				Tickers: []string{"AAPL"}, Features: []FeatureRef{{Name: "close_blocking"}}, AsOf: asOf(),
			})
			if err != nil {
				errs <- err
				return
			}
			if v := resp.Values["AAPL"]["close_blocking"].Value; v != 101 {
				errs <- fmt.Errorf("value=%v", v)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(h.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("herd caller: %v", err)
	}
	if got := h.bars.callCount(); got != 1 {
		t.Fatalf("bar fetches=%d want 1", got)
	}
}

func TestGetFeatures_DuplicatePairsCollapse(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	resp, err := h.store.GetFeatures(ctx, Request{
		Tickers:  []string{"AAPL", "aapl", " AAPL "},
		Features: closeLast(),
		AsOf:     asOf(),
	})
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if h.computes.Load() != 1 {
		t.Fatalf("computes=%d want 1 for duplicate tickers", h.computes.Load())
	}
	if resp.Values["AAPL"]["close_last"].Value != 101 {
		t.Fatalf("value: %+v", resp.Values)
	}
}

func TestWarm_PopulatesCachesBestEffort(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	report := h.store.Warm(ctx, []string{"AAPL", "MSFT", "GOOG"}, closeLast(), asOf())
	if report.Requested != 3 || report.Warmed != 3 || report.Failed != 0 {
		t.Fatalf("report: %+v", report)
	}
	if h.computes.Load() != 3 {
		t.Fatalf("computes=%d want 3", h.computes.Load())
	}

	resp, err := h.store.GetFeatures(ctx, Request{Tickers: []string{"MSFT"}, Features: closeLast(), AsOf: asOf()})
	if err != nil {
		t.Fatalf("GetFeatures after warm: %v", err)
	}
	if resp.Values["MSFT"]["close_last"].Source != model.TierL1 {
		t.Fatalf("warm did not land in l1: %+v", resp.Values["MSFT"]["close_last"])
	}
}
