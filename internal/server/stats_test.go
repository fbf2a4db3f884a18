package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func getStats(h http.Handler, set func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/token-stats", nil)
	if set != nil {
		set(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTokenStats(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	env.usage.Add("example.com", "acc-1", 100)
	env.usage.Add("example.com", "acc-2", 50)
	env.usage.Add("zeta.net", "acc-9", 7)
	h := env.handler()

	rec := getStats(h, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var out tokenStats
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if out.WindowSeconds != 18000 {
		t.Errorf("window_seconds = %d, want 18000", out.WindowSeconds)
	}
	if len(out.Domains) != 2 {
		t.Fatalf("len(domains) = %d, want 2", len(out.Domains))
	}
	if out.Domains[0].Domain != "example.com" || out.Domains[1].Domain != "zeta.net" {
		t.Errorf("domains out of order: %q, %q", out.Domains[0].Domain, out.Domains[1].Domain)
	}
	ex := out.Domains[0]
	if ex.OutputTokens != 150 {
		t.Errorf("example.com output_tokens = %d, want 150", ex.OutputTokens)
	}
	if ex.Accounts["acc-1"] != 100 || ex.Accounts["acc-2"] != 50 {
		t.Errorf("example.com accounts = %v", ex.Accounts)
	}
	if out.Domains[1].OutputTokens != 7 {
		t.Errorf("zeta.net output_tokens = %d, want 7", out.Domains[1].OutputTokens)
	}
}

func TestTokenStatsDashboardKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	env.deps.DashboardKey = "dash-key-123456"
	h := env.handler()

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()
		rec := getStats(h, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if rec.Header().Get("WWW-Authenticate") == "" {
			t.Error("WWW-Authenticate header should be set")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		t.Parallel()
		rec := getStats(h, func(r *http.Request) { r.Header.Set("X-Dashboard-Key", "nope") })
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("header key", func(t *testing.T) {
		t.Parallel()
		rec := getStats(h, func(r *http.Request) { r.Header.Set("X-Dashboard-Key", "dash-key-123456") })
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("bearer key", func(t *testing.T) {
		t.Parallel()
		rec := getStats(h, func(r *http.Request) { r.Header.Set("Authorization", "Bearer dash-key-123456") })
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})
}
