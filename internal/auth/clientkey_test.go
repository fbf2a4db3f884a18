package auth

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/credential"
)

func TestDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host    string
		want    string
		wantErr bool
	}{
		{host: "api.example.com", want: "api.example.com"},
		{host: "API.Example.COM", want: "api.example.com"},
		{host: "api.example.com:8443", want: "api.example.com"},
		{host: "localhost:3000", want: "localhost"},
		{host: "a", want: "a"},
		{host: "", wantErr: true},
		{host: "-bad.example.com", wantErr: true},
		{host: "bad.example.com-", wantErr: true},
		{host: "bad..still/path", wantErr: true},
		{host: "bad\x00null.com", wantErr: true},
		{host: "url%2Eencoded.com", wantErr: true},
		{host: `back\slash.com`, wantErr: true},
		{host: "no.port:", wantErr: true},
		{host: "[::1]:8080", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()
			got, err := Domain(tt.host)
			if tt.wantErr {
				if !errors.Is(err, palantir.ErrAuthentication) {
					t.Fatalf("Domain(%q) err = %v, want ErrAuthentication", tt.host, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Domain(%q): %v", tt.host, err)
			}
			if got != tt.want {
				t.Errorf("Domain(%q) = %q, want %q", tt.host, got, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"bearer abc123", "abc123", true},
		{"BEARER abc123", "abc123", true},
		{"Bearer   spaced", "spaced", true},
		{"Bearer\tTabbed", "Tabbed", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Bearerabc", "", false},
		{"Basic abc123", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := bearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func newAuth(t *testing.T, enabled bool) *ClientAuth {
	t.Helper()
	dir := t.TempDir()
	body := `{"kind":"api_key","client_api_key":"ck_valid_12345","api_key":"sk-ant-api03-xyz"}`
	if err := os.WriteFile(filepath.Join(dir, "api.example.com"+credential.FileSuffix), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := credential.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewClientAuth(m, enabled)
}

func request(host, authz string) *http.Request {
	r, _ := http.NewRequest(http.MethodPost, "http://"+host+"/v1/messages", nil)
	r.Host = host
	if authz != "" {
		r.Header.Set("Authorization", authz)
	}
	return r
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	a := newAuth(t, true)
	ctx := context.Background()

	tenant, err := a.Authenticate(ctx, request("api.example.com", "Bearer ck_valid_12345"))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tenant.Domain != "api.example.com" {
		t.Errorf("Domain = %q", tenant.Domain)
	}

	tests := []struct {
		name  string
		host  string
		authz string
	}{
		{"wrong key same length", "api.example.com", "Bearer ck_wrong_12345x"},
		{"wrong key different length", "api.example.com", "Bearer nope"},
		{"missing header", "api.example.com", ""},
		{"malformed scheme", "api.example.com", "Token ck_valid_12345"},
		{"unknown domain", "other.example.com", "Bearer ck_valid_12345"},
		{"invalid host", "a/b", "Bearer ck_valid_12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := a.Authenticate(ctx, request(tt.host, tt.authz))
			if !errors.Is(err, palantir.ErrAuthentication) {
				t.Errorf("err = %v, want ErrAuthentication", err)
			}
		})
	}
}

func TestAuthenticateDisabledSkipsKeyCheck(t *testing.T) {
	t.Parallel()

	a := newAuth(t, false)

	tenant, err := a.Authenticate(context.Background(), request("api.example.com", ""))
	if err != nil {
		t.Fatalf("Authenticate with auth disabled: %v", err)
	}
	if tenant.Domain != "api.example.com" {
		t.Errorf("Domain = %q", tenant.Domain)
	}

	// Host binding still applies even with the key check off.
	if _, err := a.Authenticate(context.Background(), request("other.example.com", "")); !errors.Is(err, palantir.ErrAuthentication) {
		t.Errorf("unknown domain err = %v, want ErrAuthentication", err)
	}
}

func TestAuthenticateNoClientKeyOnFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := `{"kind":"api_key","api_key":"sk-ant-api03-xyz"}`
	if err := os.WriteFile(filepath.Join(dir, "open.example.com"+credential.FileSuffix), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := credential.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	a := NewClientAuth(m, true)

	// A descriptor without client_api_key admits nobody while auth is on.
	_, err = a.Authenticate(context.Background(), request("open.example.com", "Bearer anything-at-all"))
	if !errors.Is(err, palantir.ErrAuthentication) {
		t.Errorf("err = %v, want ErrAuthentication", err)
	}
}

func TestEqualKeys(t *testing.T) {
	t.Parallel()

	if !equalKeys("ck_valid_12345", "ck_valid_12345") {
		t.Error("identical keys reported unequal")
	}
	if equalKeys("ck_wrong_12345", "ck_valid_12345") {
		t.Error("different keys reported equal")
	}
	if equalKeys("", "ck_valid_12345") {
		t.Error("empty presented key reported equal")
	}
}
