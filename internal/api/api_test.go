package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quantpine/featurestore/internal/core/model"
	"github.com/quantpine/featurestore/internal/store"
)

type fakeService struct {
	lastReq     store.Request
	ctxDeadline bool
	resp        *store.Response
	err         error

	warmReport store.WarmReport

	invRes store.InvalidateResult
	invErr error
}

func (f *fakeService) GetFeatures(ctx context.Context, req store.Request) (*store.Response, error) {
	f.lastReq = req
	_, f.ctxDeadline = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &store.Response{Values: map[string]map[string]model.FeatureValue{}}, nil
}

func (f *fakeService) Warm(_ context.Context, tickers []string, features []store.FeatureRef, _ time.Time) store.WarmReport {
	if f.warmReport.Requested == 0 {
		return store.WarmReport{Requested: len(tickers) * len(features), Warmed: len(tickers) * len(features)}
	}
	return f.warmReport
}

func (f *fakeService) Invalidate(_ context.Context, _, _ string, _, _ time.Time) (store.InvalidateResult, error) {
	return f.invRes, f.invErr
}

func TestGetFeatures_ParsesQuery(t *testing.T) {
	svc := &fakeService{}
	h := New(svc, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/v1/features?tickers=aapl,%20msft&features=ret_5d,sma_20d@2&as_of=2024-11-08T00:00:00Z&ttl_override=30s&partial=true&deadline=250ms", nil)
	rec := httptest.NewRecorder()
	h.GetFeatures()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	got := svc.lastReq
	if len(got.Tickers) != 2 || got.Tickers[1] != "msft" {
		t.Fatalf("tickers=%v", got.Tickers)
	}
	if len(got.Features) != 2 || got.Features[1] != (store.FeatureRef{Name: "sma_20d", Version: 2}) {
		t.Fatalf("features=%v", got.Features)
	}
	if !got.AsOf.Equal(time.Date(2024, 11, 8, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("as_of=%v", got.AsOf)
	}
	if got.TTLOverride == nil || *got.TTLOverride != 30*time.Second {
		t.Fatalf("ttl_override=%v", got.TTLOverride)
	}
	if !got.Partial {
		t.Fatalf("partial not parsed")
	}
	if got.Deadline != 250*time.Millisecond {
		t.Fatalf("deadline=%v", got.Deadline)
	}
	if !svc.ctxDeadline {
		t.Fatalf("deadline not applied to request context")
	}
}

func TestGetFeatures_BadInput(t *testing.T) {
	h := New(&fakeService{}, nil)
	cases := []string{
		"/v1/features",
		"/v1/features?tickers=AAPL",
		"/v1/features?tickers=AAPL&features=ret_5d&as_of=yesterday",
		"/v1/features?tickers=AAPL&features=ret_5d&ttl_override=-5s",
		"/v1/features?tickers=AAPL&features=ret_5d@zero",
		"/v1/features?tickers=AAPL&features=@2",
		"/v1/features?tickers=AAPL&features=ret_5d&deadline=soon",
		"/v1/features?tickers=AAPL&features=ret_5d&deadline=-1s",
	}
	for _, url := range cases {
		rec := httptest.NewRecorder()
		h.GetFeatures()(rec, httptest.NewRequest(http.MethodGet, url, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", url, rec.Code)
		}
	}
}

func TestGetFeatures_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", model.ErrUnknownFeature), http.StatusNotFound},
		{fmt.Errorf("x: %w", model.ErrUnknownTicker), http.StatusNotFound},
		{fmt.Errorf("x: %w", model.ErrOverloaded), http.StatusTooManyRequests},
		{fmt.Errorf("x: %w", model.ErrDeadline), http.StatusGatewayTimeout},
		{fmt.Errorf("x: %w", model.ErrUpstream), http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := New(&fakeService{err: tc.err}, nil)
		rec := httptest.NewRecorder()
		h.GetFeatures()(rec, httptest.NewRequest(http.MethodGet, "/v1/features?tickers=AAPL&features=ret_5d", nil))
		if rec.Code != tc.want {
			t.Fatalf("err=%v status=%d want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestGetFeatures_EncodesResponse(t *testing.T) {
	svc := &fakeService{resp: &store.Response{
		Values: map[string]map[string]model.FeatureValue{
			"AAPL": {"ret_5d": {Value: 0.0523, Source: model.TierL1, CalculatedAt: time.Date(2024, 11, 8, 12, 0, 0, 0, time.UTC)}},
		},
		Telemetry: store.Telemetry{CacheHits: 1, LatencyMS: 2},
	}}
	h := New(svc, nil)
	rec := httptest.NewRecorder()
	h.GetFeatures()(rec, httptest.NewRequest(http.MethodGet, "/v1/features?tickers=AAPL&features=ret_5d", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	var body store.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Values["AAPL"]["ret_5d"].Value != 0.0523 {
		t.Fatalf("body=%s", rec.Body.String())
	}
	if body.Telemetry.CacheHits != 1 || body.Telemetry.LatencyMS != 2 {
		t.Fatalf("telemetry=%+v", body.Telemetry)
	}
}

func TestWarm(t *testing.T) {
	h := New(&fakeService{}, nil)

	body := `{"tickers":["AAPL","MSFT"],"features":[{"name":"ret_5d"}],"as_of":"2024-11-08T00:00:00Z"}`
	rec := httptest.NewRecorder()
	h.Warm()(rec, httptest.NewRequest(http.MethodPost, "/v1/warm", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var report store.WarmReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Warmed != 2 {
		t.Fatalf("report=%+v", report)
	}

	rec = httptest.NewRecorder()
	h.Warm()(rec, httptest.NewRequest(http.MethodPost, "/v1/warm", strings.NewReader(`{"tickers":[]}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty warm: status=%d want 400", rec.Code)
	}
}

func TestInvalidate(t *testing.T) {
	svc := &fakeService{invRes: store.InvalidateResult{L1Deleted: 3, L2Superseded: 3}}
	h := New(svc, nil)

	body := `{"ticker":"AAPL","feature":"ret_5d","from":"2024-11-01T00:00:00Z","to":"2024-11-08T00:00:00Z"}`
	rec := httptest.NewRecorder()
	h.Invalidate()(rec, httptest.NewRequest(http.MethodPost, "/v1/invalidate", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var res store.InvalidateResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.L1Deleted != 3 || res.L2Superseded != 3 {
		t.Fatalf("result=%+v", res)
	}

	bad := []string{
		`{`,
		`{"ticker":"","feature":"ret_5d","from":"2024-11-01T00:00:00Z","to":"2024-11-08T00:00:00Z"}`,
		`{"ticker":"AAPL","feature":"ret_5d"}`,
		`{"ticker":"AAPL","feature":"ret_5d","from":"2024-11-08T00:00:00Z","to":"2024-11-01T00:00:00Z"}`,
	}
	for _, b := range bad {
		rec := httptest.NewRecorder()
		h.Invalidate()(rec, httptest.NewRequest(http.MethodPost, "/v1/invalidate", strings.NewReader(b)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status=%d want 400", b, rec.Code)
		}
	}

	svc.invErr = fmt.Errorf("x: %w", model.ErrUnknownFeature)
	rec = httptest.NewRecorder()
	h.Invalidate()(rec, httptest.NewRequest(http.MethodPost, "/v1/invalidate", strings.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown feature: status=%d want 404", rec.Code)
	}
}
