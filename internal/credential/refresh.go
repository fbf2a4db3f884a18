package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	palantir "github.com/eugener/palantir/internal"
)

const (
	// RefreshSkew is how long before expiry a token is refreshed.
	RefreshSkew = 60 * time.Second

	// DefaultTokenURL is the refresh-token grant endpoint used when a
	// descriptor does not carry its own token_url.
	DefaultTokenURL = "https://console.anthropic.com/v1/oauth/token"

	// OAuthBeta is appended as anthropic-beta on OAuth-authenticated calls.
	OAuthBeta = "oauth-2025-04-20"

	refreshBudget = 2 * time.Minute
)

func (m *Manager) needsRefresh(d *Descriptor) bool {
	o := d.OAuth
	if o.ExpiresAt.IsZero() {
		// No recorded expiry: only refresh when there is no usable token.
		return o.AccessToken == ""
	}
	return !m.now().Add(RefreshSkew).Before(o.ExpiresAt.Time)
}

// refreshAccount performs the refresh-token grant for one account. Callers
// racing on the same account id share a single in-flight refresh. The
// refresh runs on a detached context so one client's disconnect cannot
// poison the shared result.
func (m *Manager) refreshAccount(ctx context.Context, d *Descriptor) (*Descriptor, error) {
	v, err, _ := m.refreshg.Do(d.AccountID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshBudget)
		defer cancel()

		// A caller queued behind the singleflight may find the work done;
		// otherwise refresh from the freshest descriptor on disk, not the
		// caller's possibly stale copy.
		base := d
		if cur, err := m.descriptor(rctx, d.stem); err == nil && cur.Kind == KindOAuth {
			if !m.needsRefresh(cur) {
				return cur, nil
			}
			base = cur
		}

		nd, err := m.doRefresh(rctx, base)
		if err != nil {
			m.cache.Delete(d.stem)
			slog.Error("oauth refresh failed", "account_id", d.AccountID, "credential", d.Masked(), "error", err)
			return nil, fmt.Errorf("%w: refresh for account %q: %v", palantir.ErrCredential, d.AccountID, err)
		}
		return nd, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (m *Manager) doRefresh(ctx context.Context, d *Descriptor) (*Descriptor, error) {
	o := d.OAuth
	if o.RefreshToken == "" {
		return nil, errors.New("no refresh token on file")
	}

	endpoint := o.TokenURL
	if endpoint == "" {
		endpoint = m.tokenURL
	}
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": o.RefreshToken,
	}
	if o.ClientID != "" {
		payload["client_id"] = o.ClientID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var tok tokenResponse
	backoff := retry.WithMaxRetries(2, retry.WithJitter(100*time.Millisecond, retry.NewExponential(500*time.Millisecond)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := m.httpc.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
			err := fmt.Errorf("token endpoint returned %d", resp.StatusCode)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return retry.RetryableError(err)
			}
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return fmt.Errorf("decode token response: %w", err)
		}
		if tok.AccessToken == "" {
			return errors.New("token response missing access_token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	nd := *d
	no := *o
	no.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		no.RefreshToken = tok.RefreshToken
	}
	if tok.ExpiresIn > 0 {
		no.ExpiresAt = Time{m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)}
	}
	nd.OAuth = &no

	if err := m.persist(&nd); err != nil {
		// The in-memory token is valid either way; losing the rewrite only
		// costs a re-refresh after restart.
		slog.Warn("credential rewrite failed", "account_id", nd.AccountID, "error", err)
	}
	m.cache.Set(nd.stem, &nd)
	slog.Info("oauth token refreshed",
		"account_id", nd.AccountID,
		"credential", nd.Masked(),
		"expires_at", no.ExpiresAt.Time)
	return &nd, nil
}

// persist rewrites the descriptor file with the refreshed tokens via a temp
// file and rename. Unknown keys in the file, including inside the oauth
// object, are preserved.
func (m *Manager) persist(d *Descriptor) error {
	doc := map[string]any{}
	if raw, err := os.ReadFile(d.path); err == nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			doc = map[string]any{"kind": string(d.Kind), "account_id": d.AccountID}
		}
	}
	om, _ := doc["oauth"].(map[string]any)
	if om == nil {
		om = map[string]any{}
	}
	om["access_token"] = d.OAuth.AccessToken
	om["refresh_token"] = d.OAuth.RefreshToken
	if d.OAuth.ExpiresAt.IsZero() {
		delete(om, "expires_at")
	} else {
		om["expires_at"] = d.OAuth.ExpiresAt.UTC().Format(time.RFC3339)
	}
	doc["oauth"] = om

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".credentials-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	if st, err := os.Stat(d.path); err == nil {
		d.mtime = st.ModTime()
	}
	return nil
}
