package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	palantir "github.com/eugener/palantir/internal"
)

func expiredOAuthFile(tokenURL string) string {
	return fmt.Sprintf(`{
  "kind": "oauth",
  "account_id": "work",
  "custom_field": "keep-me",
  "oauth": {
    "access_token": "at-stale-12345",
    "refresh_token": "rt-original",
    "expires_at": "2020-01-01T00:00:00Z",
    "token_url": %q,
    "extra": "also-keep"
  }
}`, tokenURL)
}

func TestRefreshOnExpiry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode grant: %v", err)
		}
		if req["grant_type"] != "refresh_token" || req["refresh_token"] != "rt-original" {
			t.Errorf("grant payload = %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-refreshed-99","refresh_token":"rt-rotated","expires_in":3600}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeDescriptor(t, dir, "oauth.example.com", expiredOAuthFile(srv.URL))
	m := newTestManager(t, dir)
	ctx := context.Background()

	d, err := m.Resolve(ctx, "oauth.example.com")
	if err != nil {
		t.Fatal(err)
	}
	mat, err := m.Material(ctx, d)
	if err != nil {
		t.Fatalf("Material: %v", err)
	}
	if mat.Headers["Authorization"] != "Bearer at-refreshed-99" {
		t.Errorf("Authorization = %q", mat.Headers["Authorization"])
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("token endpoint hits = %d, want 1", got)
	}

	// The descriptor file was rewritten atomically with the new tokens,
	// rotated refresh token, and unknown keys intact.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("rewritten file is not JSON: %v", err)
	}
	if doc["custom_field"] != "keep-me" {
		t.Error("unknown top-level key lost in rewrite")
	}
	om := doc["oauth"].(map[string]any)
	if om["access_token"] != "at-refreshed-99" || om["refresh_token"] != "rt-rotated" {
		t.Errorf("rewritten oauth = %v", om)
	}
	if om["extra"] != "also-keep" {
		t.Error("unknown oauth key lost in rewrite")
	}

	// A second Material with the caller's stale descriptor finds the fresh
	// token on disk and does not hit the endpoint again.
	if _, err := m.Material(ctx, d); err != nil {
		t.Fatalf("second Material: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("token endpoint hits after second Material = %d, want 1", got)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".credentials-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond) // hold the flight open so callers pile up
		fmt.Fprint(w, `{"access_token":"at-refreshed-99","expires_in":3600}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeDescriptor(t, dir, "oauth.example.com", expiredOAuthFile(srv.URL))
	m := newTestManager(t, dir)
	ctx := context.Background()

	d, err := m.Resolve(ctx, "oauth.example.com")
	if err != nil {
		t.Fatal(err)
	}

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Material(ctx, d)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("token endpoint hits = %d, want exactly 1", got)
	}
}

func TestRefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"access_token":"at-refreshed-99","expires_in":3600}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeDescriptor(t, dir, "oauth.example.com", expiredOAuthFile(srv.URL))
	m := newTestManager(t, dir)

	d, err := m.Resolve(context.Background(), "oauth.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Material(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		OAuth struct {
			RefreshToken string `json:"refresh_token"`
		} `json:"oauth"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.OAuth.RefreshToken != "rt-original" {
		t.Errorf("refresh_token = %q, want the original kept", doc.OAuth.RefreshToken)
	}
}

func TestRefreshPermanentFailure(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeDescriptor(t, dir, "oauth.example.com", expiredOAuthFile(srv.URL))
	m := newTestManager(t, dir)

	d, err := m.Resolve(context.Background(), "oauth.example.com")
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Material(context.Background(), d)
	if !errors.Is(err, palantir.ErrCredential) {
		t.Fatalf("error = %v, want ErrCredential", err)
	}
	// 4xx is permanent; no retries.
	if got := hits.Load(); got != 1 {
		t.Errorf("token endpoint hits = %d, want 1", got)
	}
	if strings.Contains(err.Error(), "rt-original") || strings.Contains(err.Error(), "at-stale") {
		t.Errorf("error leaks token material: %v", err)
	}
}

func TestRefreshRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"access_token":"at-refreshed-99","expires_in":3600}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeDescriptor(t, dir, "oauth.example.com", expiredOAuthFile(srv.URL))
	m := newTestManager(t, dir)

	d, err := m.Resolve(context.Background(), "oauth.example.com")
	if err != nil {
		t.Fatal(err)
	}
	mat, err := m.Material(context.Background(), d)
	if err != nil {
		t.Fatalf("Material: %v", err)
	}
	if mat.Headers["Authorization"] != "Bearer at-refreshed-99" {
		t.Errorf("Authorization = %q", mat.Headers["Authorization"])
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("token endpoint hits = %d, want 3", got)
	}
}

func TestNeedsRefresh(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := &Manager{now: func() time.Time { return now }}

	tests := []struct {
		name string
		o    OAuth
		want bool
	}{
		{"well before expiry", OAuth{AccessToken: "at", ExpiresAt: Time{now.Add(time.Hour)}}, false},
		{"inside the skew", OAuth{AccessToken: "at", ExpiresAt: Time{now.Add(30 * time.Second)}}, true},
		{"exactly at the skew boundary", OAuth{AccessToken: "at", ExpiresAt: Time{now.Add(RefreshSkew)}}, true},
		{"already expired", OAuth{AccessToken: "at", ExpiresAt: Time{now.Add(-time.Hour)}}, true},
		{"no expiry with token", OAuth{AccessToken: "at"}, false},
		{"no expiry without token", OAuth{RefreshToken: "rt"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Descriptor{Kind: KindOAuth, OAuth: &tt.o}
			if got := m.needsRefresh(d); got != tt.want {
				t.Errorf("needsRefresh = %v, want %v", got, tt.want)
			}
		})
	}
}
