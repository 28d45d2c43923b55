// Package health exposes liveness and readiness endpoints.
package health

import (
	"encoding/json"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// TierChecker reports per-tier availability. Readiness requires L2; L1
// being down only degrades, it does not make the service unready.
type TierChecker interface {
	CheckTiers() (l1, l2 bool)
}

func Readiness(tc TierChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status string `json:"status"`
			L1     bool   `json:"l1"`
			L2     bool   `json:"l2"`
		}
		l1, l2 := tc.CheckTiers()
		out := resp{Status: "ready", L1: l1, L2: l2}
		w.Header().Set("Content-Type", "application/json")
		if !l2 {
			out.Status = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
