package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type tiers struct{ l1, l2 bool }

func (t tiers) CheckTiers() (bool, bool) { return t.l1, t.l2 }

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	Liveness()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestReadiness(t *testing.T) {
	cases := []struct {
		tiers tiers
		code  int
		want  string
	}{
		{tiers{true, true}, http.StatusOK, `"status":"ready"`},
		{tiers{false, true}, http.StatusOK, `"status":"ready"`},
		{tiers{true, false}, http.StatusServiceUnavailable, `"status":"not_ready"`},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		Readiness(tc.tiers)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != tc.code {
			t.Fatalf("tiers=%+v status=%d want %d", tc.tiers, rec.Code, tc.code)
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("tiers=%+v body=%s", tc.tiers, rec.Body.String())
		}
	}
}
