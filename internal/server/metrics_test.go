package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue digs one labeled sample out of the registry; absent samples
// count as zero.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	sample:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue sample
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestRelayCountsRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	h := env.handler()

	if rec := postMessages(h, evalBody); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got := counterValue(t, env.reg, "palantir_requests_total", map[string]string{
		"domain": "example.com",
		"type":   "query_evaluation",
		"status": "200",
	})
	if got != 1 {
		t.Errorf("requests_total = %v, want 1", got)
	}

	selects := counterValue(t, env.reg, "palantir_pool_selects_total", map[string]string{
		"domain":  "example.com",
		"outcome": "selected",
	})
	if selects != 1 {
		t.Errorf("pool_selects_total = %v, want 1", selects)
	}
}

func TestAuthFailureCounted(t *testing.T) {
	t.Parallel()
	env := newTestEnv()
	env.deps.Auth = rejectAuth{}
	h := env.handler()

	postMessages(h, evalBody)

	if got := counterValue(t, env.reg, "palantir_auth_failures_total", nil); got != 1 {
		t.Errorf("auth_failures_total = %v, want 1", got)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	t.Run("wired", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv()
		env.deps.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("# scraped"))
		})
		h := env.handler()

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || rec.Body.String() != "# scraped" {
			t.Errorf("got %d %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("absent", func(t *testing.T) {
		t.Parallel()
		h := newTestEnv().handler()
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}
