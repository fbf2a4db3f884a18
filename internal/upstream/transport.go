package upstream

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. The Anthropic API is remote HTTPS, so HTTP/2 is
// always attempted.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// outboundHeaders builds the upstream header set: client headers minus
// hop-by-hop minus client credentials, then the account's auth material on
// top. The proxy chooses the upstream credential; whatever the client sent
// never leaves the building.
func outboundHeaders(dst, src http.Header, auth map[string]string) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		switch strings.ToLower(key) {
		case "authorization", "x-api-key":
			continue
		case "accept-encoding":
			// Left to the transport so the response arrives decoded and the
			// relay can parse what it forwards.
			continue
		case "host", "content-length":
			continue
		}
		dst[key] = vals
	}

	dst.Set("Content-Type", "application/json")
	if dst.Get("anthropic-version") == "" {
		dst.Set("anthropic-version", anthropicVersion)
	}
	for k, v := range auth {
		dst.Set(k, v)
	}
}

// copyResponseHeaders relays upstream response headers, dropping hop-by-hop
// entries.
func copyResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// headerSnapshot flattens response headers for persistence.
func headerSnapshot(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for key, vals := range h {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		m[key] = strings.Join(vals, ", ")
	}
	return m
}
