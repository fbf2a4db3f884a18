// Package auth authenticates inbound requests: it binds the request Host to
// a credential descriptor and verifies the client key with a constant-time
// comparison. Proxy headers such as X-Forwarded-Host never participate.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/credential"
)

// domainPattern admits lowercase hostnames with an optional port. Leading or
// trailing dots and hyphens are rejected by the anchored character classes.
var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-.]*[a-z0-9])?(:[0-9]+)?$`)

// Domain canonicalizes an inbound Host for descriptor lookup: lowercased,
// port stripped. Hosts that smuggle NULs, path separators, or URL-encoded
// dots are rejected before the pattern check.
func Domain(host string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" ||
		strings.ContainsAny(h, "\x00/\\") ||
		strings.Contains(h, "%2e") {
		return "", fmt.Errorf("%w: invalid host", palantir.ErrAuthentication)
	}
	if !domainPattern.MatchString(h) {
		return "", fmt.Errorf("%w: invalid host", palantir.ErrAuthentication)
	}
	if i := strings.LastIndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	return h, nil
}

// ClientAuth authenticates callers against the client_api_key of the
// domain's credential descriptor.
type ClientAuth struct {
	creds   *credential.Manager
	enabled bool
}

// NewClientAuth returns a ClientAuth over the credential manager. When
// enabled is false the key check is skipped (dev mode); host binding and
// descriptor resolution still apply.
func NewClientAuth(creds *credential.Manager, enabled bool) *ClientAuth {
	return &ClientAuth{creds: creds, enabled: enabled}
}

// Authenticate validates the Host binding and the presented Bearer key and
// returns the tenant. Every failure collapses to ErrAuthentication: callers
// must not learn whether the domain or the key was wrong.
func (a *ClientAuth) Authenticate(ctx context.Context, r *http.Request) (*palantir.Tenant, error) {
	domain, err := Domain(r.Host)
	if err != nil {
		return nil, err
	}
	d, err := a.creds.Resolve(ctx, r.Host)
	if err != nil {
		return nil, err
	}
	if a.enabled {
		presented, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || d.ClientAPIKey == "" || !equalKeys(presented, d.ClientAPIKey) {
			return nil, fmt.Errorf("%w: client key rejected", palantir.ErrAuthentication)
		}
	}
	return &palantir.Tenant{Domain: domain}, nil
}

// bearerToken parses `Bearer <token>`: scheme case-insensitive, at least one
// space or tab before a non-empty token.
func bearerToken(header string) (string, bool) {
	const scheme = "bearer"
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	rest := header[len(scheme):]
	tok := strings.TrimLeft(rest, " \t")
	if tok == rest || tok == "" {
		return "", false
	}
	return tok, true
}

// equalKeys compares SHA-256 digests of both keys in constant time, so the
// comparison cost never depends on where the first differing byte sits.
func equalKeys(presented, expected string) bool {
	p := sha256.Sum256([]byte(presented))
	e := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(p[:], e[:]) == 1
}
