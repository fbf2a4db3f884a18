// Package credential loads and caches per-domain upstream credential
// descriptors, produces the outbound auth headers for each account, and
// keeps OAuth access tokens fresh. Descriptor files live in a single
// directory, one JSON file per domain or pool member; the proxy never
// persists credentials anywhere else.
package credential

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	palantir "github.com/eugener/palantir/internal"
)

// Kind discriminates the descriptor shapes.
type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindOAuth  Kind = "oauth"
	KindPool   Kind = "pool"
)

// FileSuffix is the required descriptor filename suffix; the stem is the
// domain (optionally with port) or, for pool members, the account id.
const FileSuffix = ".credentials.json"

// OAuth holds the token state for an oauth-kind account.
type OAuth struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    Time     `json:"expires_at"`
	Scopes       []string `json:"scopes,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
}

// Pool references sibling descriptor files by account id.
type Pool struct {
	PoolID     string   `json:"pool_id"`
	AccountIDs []string `json:"account_ids"`
	Strategy   string   `json:"strategy,omitempty"`
}

// Descriptor is one parsed credential file.
type Descriptor struct {
	Kind         Kind   `json:"kind"`
	ClientAPIKey string `json:"client_api_key,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	Name         string `json:"name,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	OAuth        *OAuth `json:"oauth,omitempty"`
	Pool         *Pool  `json:"pool,omitempty"`
	NotifyURL    string `json:"notify_url,omitempty"`

	path  string
	stem  string
	mtime time.Time
}

// parseDescriptor validates the decoded file. Error messages carry the
// filename only, never file contents.
func parseDescriptor(path string, data []byte, mtime time.Time) (*Descriptor, error) {
	name := filepath.Base(path)
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", palantir.ErrCredential, name, err)
	}
	d.path = path
	d.stem = strings.TrimSuffix(name, FileSuffix)
	d.mtime = mtime
	if d.AccountID == "" {
		d.AccountID = d.stem
	}

	switch d.Kind {
	case KindAPIKey:
		if d.APIKey == "" {
			return nil, fmt.Errorf("%w: %s: api_key kind without api_key", palantir.ErrCredential, name)
		}
	case KindOAuth:
		if d.OAuth == nil || (d.OAuth.AccessToken == "" && d.OAuth.RefreshToken == "") {
			return nil, fmt.Errorf("%w: %s: oauth kind without tokens", palantir.ErrCredential, name)
		}
	case KindPool:
		if d.Pool == nil || len(d.Pool.AccountIDs) == 0 {
			return nil, fmt.Errorf("%w: %s: pool kind without account_ids", palantir.ErrCredential, name)
		}
	default:
		return nil, fmt.Errorf("%w: %s: unknown kind %q", palantir.ErrCredential, name, d.Kind)
	}
	return &d, nil
}

// Masked returns the loggable form of the descriptor's secret:
// kind, a colon, the secret's first 10 characters, and "****".
func (d *Descriptor) Masked() string {
	switch d.Kind {
	case KindAPIKey:
		return Mask(string(KindAPIKey), d.APIKey)
	case KindOAuth:
		return Mask(string(KindOAuth), d.OAuth.AccessToken)
	default:
		return string(d.Kind) + ":****"
	}
}

// Mask renders a secret for logs. Secrets at or under 10 characters are
// masked entirely.
func Mask(kind, secret string) string {
	if len(secret) <= 10 {
		return kind + ":****"
	}
	return kind + ":" + secret[:10] + "****"
}

// Time accepts either an RFC3339 string or an integer epoch. Integer values
// of a trillion or more are taken as milliseconds; credential files written
// by other tooling use both forms. It always marshals as RFC3339 UTC.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return fmt.Errorf("expires_at: %w", err)
		}
		t.Time = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expires_at: %w", err)
	}
	if n >= 1_000_000_000_000 {
		t.Time = time.UnixMilli(n)
	} else {
		t.Time = time.Unix(n, 0)
	}
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// AuthMaterial is the set of outbound headers that authenticate one
// upstream call, and the account they belong to.
type AuthMaterial struct {
	AccountID string
	Headers   map[string]string
}
