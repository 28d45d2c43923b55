// Package api exposes the HTTP surface: feature reads, cache warming,
// and range invalidation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantpine/featurestore/internal/core/model"
	"github.com/quantpine/featurestore/internal/core/observability"
	"github.com/quantpine/featurestore/internal/store"
)

// FeatureService is the facade surface the handlers call.
type FeatureService interface {
	GetFeatures(ctx context.Context, req store.Request) (*store.Response, error)
	Warm(ctx context.Context, tickers []string, features []store.FeatureRef, asOf time.Time) store.WarmReport
	Invalidate(ctx context.Context, ticker, feature string, from, to time.Time) (store.InvalidateResult, error)
}

type Handler struct {
	svc FeatureService
	log *slog.Logger
}

func New(svc FeatureService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, log: logger}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// GetFeatures serves GET /v1/features.
//
// Query parameters: tickers and features are comma-separated and
// required; a feature may pin a version as name@2. as_of defaults to
// now, ttl_override accepts a Go duration (0 bypasses L1), partial=true
// turns per-pair failures into response entries, and deadline bounds
// the request with a context deadline (504 when it fires).
func (h *Handler) GetFeatures() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		req, err := parseGetRequest(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/v1/features", sw.code, time.Since(start).Seconds())
			return
		}

		ctx := r.Context()
		if req.Deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Deadline)
			defer cancel()
		}

		resp, err := h.svc.GetFeatures(ctx, req)
		if err != nil {
			h.writeError(sw, r, err)
			observability.ObserveHTTP(r.Method, "/v1/features", sw.code, time.Since(start).Seconds())
			return
		}
		writeJSON(sw, http.StatusOK, resp)
		observability.ObserveHTTP(r.Method, "/v1/features", sw.code, time.Since(start).Seconds())
	}
}

type warmRequest struct {
	Tickers  []string           `json:"tickers"`
	Features []store.FeatureRef `json:"features"`
	AsOf     time.Time          `json:"as_of"`
}

// Warm serves POST /v1/warm. Always 200; the report carries failures.
func (h *Handler) Warm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		var req warmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(sw, fmt.Sprintf("decode body: %v", err), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/v1/warm", sw.code, time.Since(start).Seconds())
			return
		}
		if len(req.Tickers) == 0 || len(req.Features) == 0 {
			http.Error(sw, "tickers and features are required", http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/v1/warm", sw.code, time.Since(start).Seconds())
			return
		}

		report := h.svc.Warm(r.Context(), req.Tickers, req.Features, req.AsOf)
		writeJSON(sw, http.StatusOK, report)
		observability.ObserveHTTP(r.Method, "/v1/warm", sw.code, time.Since(start).Seconds())
	}
}

type invalidateRequest struct {
	Ticker  string    `json:"ticker"`
	Feature string    `json:"feature"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
}

// Invalidate serves POST /v1/invalidate.
func (h *Handler) Invalidate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		var req invalidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(sw, fmt.Sprintf("decode body: %v", err), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, "/v1/invalidate", sw.code, time.Since(start).Seconds())
			return
		}
		switch {
		case strings.TrimSpace(req.Ticker) == "" || strings.TrimSpace(req.Feature) == "":
			http.Error(sw, "ticker and feature are required", http.StatusBadRequest)
		case req.From.IsZero() || req.To.IsZero():
			http.Error(sw, "from and to are required", http.StatusBadRequest)
		case req.To.Before(req.From):
			http.Error(sw, "to must not precede from", http.StatusBadRequest)
		default:
			res, err := h.svc.Invalidate(r.Context(), req.Ticker, req.Feature, req.From, req.To)
			observability.ObserveInvalidation("api", err)
			if err != nil {
				h.writeError(sw, r, err)
				break
			}
			writeJSON(sw, http.StatusOK, res)
		}
		observability.ObserveHTTP(r.Method, "/v1/invalidate", sw.code, time.Since(start).Seconds())
	}
}

func parseGetRequest(r *http.Request) (store.Request, error) {
	q := r.URL.Query()

	tickers := splitList(q.Get("tickers"))
	if len(tickers) == 0 {
		return store.Request{}, errors.New("missing required parameter: tickers")
	}
	rawFeatures := splitList(q.Get("features"))
	if len(rawFeatures) == 0 {
		return store.Request{}, errors.New("missing required parameter: features")
	}
	refs := make([]store.FeatureRef, 0, len(rawFeatures))
	for _, f := range rawFeatures {
		ref, err := parseFeatureRef(f)
		if err != nil {
			return store.Request{}, err
		}
		refs = append(refs, ref)
	}

	req := store.Request{Tickers: tickers, Features: refs}

	if raw := strings.TrimSpace(q.Get("as_of")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return store.Request{}, fmt.Errorf("invalid as_of: %w", err)
		}
		req.AsOf = t
	}
	if raw := strings.TrimSpace(q.Get("ttl_override")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return store.Request{}, fmt.Errorf("invalid ttl_override: %w", err)
		}
		if d < 0 {
			return store.Request{}, errors.New("ttl_override must not be negative")
		}
		req.TTLOverride = &d
	}
	if raw := strings.TrimSpace(q.Get("deadline")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return store.Request{}, fmt.Errorf("invalid deadline: %w", err)
		}
		if d <= 0 {
			return store.Request{}, errors.New("deadline must be positive")
		}
		req.Deadline = d
	}
	if raw := strings.TrimSpace(q.Get("partial")); raw != "" {
		p, err := strconv.ParseBool(raw)
		if err != nil {
			return store.Request{}, fmt.Errorf("invalid partial: %w", err)
		}
		req.Partial = p
	}
	return req, nil
}

// parseFeatureRef splits "ret_5d@2" into name and pinned version.
func parseFeatureRef(s string) (store.FeatureRef, error) {
	name, ver, found := strings.Cut(s, "@")
	name = strings.TrimSpace(name)
	if name == "" {
		return store.FeatureRef{}, fmt.Errorf("empty feature name in %q", s)
	}
	if !found {
		return store.FeatureRef{Name: name}, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(ver))
	if err != nil || v <= 0 {
		return store.FeatureRef{}, fmt.Errorf("invalid feature version in %q", s)
	}
	return store.FeatureRef{Name: name, Version: v}, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrUnknownFeature), errors.Is(err, model.ErrUnknownTicker):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrOverloaded):
		code = http.StatusTooManyRequests
	case errors.Is(err, model.ErrDeadline), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, model.ErrUpstream), errors.Is(err, model.ErrTierUnavailable):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
