package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
	"time"
)

// tokenStats is the /token-stats response shape.
type tokenStats struct {
	WindowSeconds int64         `json:"window_seconds"`
	Domains       []domainStats `json:"domains"`
}

type domainStats struct {
	Domain       string           `json:"domain"`
	Accounts     map[string]int64 `json:"accounts"`
	OutputTokens int64            `json:"output_tokens"`
}

// handleTokenStats reports the rolling output-token counters aggregated per
// domain and account. When a dashboard key is configured the caller must
// present it.
func (s *server) handleTokenStats(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardAuthorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="palantir"`)
		s.reject(w, r, http.StatusUnauthorized, "authentication_error", "authentication failed")
		return
	}

	byDomain := make(map[string]*domainStats)
	for key, sum := range s.deps.Usage.Snapshot() {
		d := byDomain[key.Domain]
		if d == nil {
			d = &domainStats{Domain: key.Domain, Accounts: make(map[string]int64)}
			byDomain[key.Domain] = d
		}
		d.Accounts[key.Account] += sum
		d.OutputTokens += sum
	}

	out := tokenStats{
		WindowSeconds: int64(s.deps.Usage.WindowSize() / time.Second),
		Domains:       make([]domainStats, 0, len(byDomain)),
	}
	for _, d := range byDomain {
		out.Domains = append(out.Domains, *d)
	}
	slices.SortFunc(out.Domains, func(a, b domainStats) int {
		return strings.Compare(a.Domain, b.Domain)
	})

	writeJSON(w, http.StatusOK, out)
}

// dashboardAuthorized checks the dashboard key, presented either as
// X-Dashboard-Key or a Bearer token. An unset key leaves the endpoint open.
// Digest comparison keeps the check constant-time.
func (s *server) dashboardAuthorized(r *http.Request) bool {
	expected := s.deps.DashboardKey
	if expected == "" {
		return true
	}
	presented := r.Header.Get("X-Dashboard-Key")
	if presented == "" {
		if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			presented = v
		}
	}
	p := sha256.Sum256([]byte(presented))
	e := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(p[:], e[:]) == 1
}
