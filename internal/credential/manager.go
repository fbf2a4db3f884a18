package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	palantir "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/cache"
)

const (
	descriptorTTL = time.Minute // reload interval absent file events
	cacheMaxLen   = 1_000       // domains plus pool members per deployment
)

// Manager is the process-wide credential authority. Descriptors are cached
// with a short TTL, revalidated by file mtime on every hit, and evicted
// early when the directory watcher reports a change. Loads and OAuth
// refreshes are both single-flighted.
type Manager struct {
	dir      string
	httpc    *http.Client
	cache    *cache.TTL[string, *Descriptor]
	loads    singleflight.Group
	refreshg singleflight.Group
	tokenURL string
	now      func() time.Time
}

// NewManager creates a manager over the given descriptor directory.
func NewManager(dir string) (*Manager, error) {
	c, err := cache.New[string, *Descriptor](cache.Options{
		MaxSize:    cacheMaxLen,
		DefaultTTL: descriptorTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create credential cache: %w", err)
	}
	return &Manager{
		dir:      dir,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		cache:    c,
		tokenURL: DefaultTokenURL,
		now:      time.Now,
	}, nil
}

// Resolve returns the descriptor for an inbound host. The raw host
// (lowercased) is tried first so `<domain>:<port>.credentials.json` files
// win when present, then the port-stripped domain. A missing file maps to
// an authentication error: the caller must not learn whether the domain or
// the key was wrong.
func (m *Manager) Resolve(ctx context.Context, host string) (*Descriptor, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	stems := []string{host}
	if bare, _, err := net.SplitHostPort(host); err == nil && bare != "" && bare != host {
		stems = append(stems, bare)
	}
	for _, stem := range stems {
		d, err := m.descriptor(ctx, stem)
		if err == nil {
			return d, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: unknown domain", palantir.ErrAuthentication)
}

// Member loads a pool member's sibling descriptor by account id.
func (m *Manager) Member(ctx context.Context, accountID string) (*Descriptor, error) {
	d, err := m.descriptor(ctx, accountID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: missing member descriptor %q", palantir.ErrCredential, accountID)
		}
		return nil, err
	}
	return d, nil
}

// Accounts resolves the selectable upstream accounts for a descriptor: the
// descriptor itself for api_key and oauth kinds, or every loadable pool
// member in declaration order. A pool whose members all fail to load is a
// credential error.
func (m *Manager) Accounts(ctx context.Context, d *Descriptor) ([]*Descriptor, error) {
	if d.Kind != KindPool {
		return []*Descriptor{d}, nil
	}
	members := make([]*Descriptor, 0, len(d.Pool.AccountIDs))
	for _, id := range d.Pool.AccountIDs {
		md, err := m.Member(ctx, id)
		if err != nil {
			slog.Warn("pool member unavailable", "pool", d.Pool.PoolID, "account_id", id, "error", err)
			continue
		}
		if md.Kind == KindPool {
			slog.Warn("nested pool member skipped", "pool", d.Pool.PoolID, "account_id", id)
			continue
		}
		members = append(members, md)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: pool %q has no usable members", palantir.ErrCredential, d.Pool.PoolID)
	}
	return members, nil
}

// Material returns the outbound auth headers for one account, refreshing
// OAuth tokens that expire within RefreshSkew.
func (m *Manager) Material(ctx context.Context, d *Descriptor) (AuthMaterial, error) {
	switch d.Kind {
	case KindAPIKey:
		return AuthMaterial{
			AccountID: d.AccountID,
			Headers:   map[string]string{"x-api-key": d.APIKey},
		}, nil
	case KindOAuth:
		if m.needsRefresh(d) {
			nd, err := m.refreshAccount(ctx, d)
			if err != nil {
				return AuthMaterial{}, err
			}
			d = nd
		}
		return AuthMaterial{
			AccountID: d.AccountID,
			Headers: map[string]string{
				"Authorization":  "Bearer " + d.OAuth.AccessToken,
				"anthropic-beta": OAuthBeta,
			},
		}, nil
	default:
		return AuthMaterial{}, fmt.Errorf("%w: kind %q carries no auth material", palantir.ErrCredential, d.Kind)
	}
}

// Invalidate drops a cached descriptor by stem.
func (m *Manager) Invalidate(stem string) {
	m.cache.Delete(stem)
}

// Watch evicts cached descriptors when their backing files change, then
// blocks until ctx is cancelled. The cache TTL alone bounds staleness to a
// minute; the watcher tightens that to near zero. Watching the directory
// rather than individual files survives editors that replace by rename.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(m.dir); err != nil {
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, FileSuffix) {
				continue
			}
			stem := strings.TrimSuffix(name, FileSuffix)
			m.cache.Delete(stem)
			slog.Debug("credential file changed", "file", name, "op", ev.Op.String())
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("credential watcher error", "error", werr)
		}
	}
}

func (m *Manager) descriptor(_ context.Context, stem string) (*Descriptor, error) {
	if stem == "" || stem == "." || stem == ".." || strings.ContainsAny(stem, `/\`) {
		return nil, fmt.Errorf("%w: invalid descriptor name", palantir.ErrCredential)
	}
	if d, ok := m.cache.Get(stem); ok {
		if st, err := os.Stat(d.path); err == nil && st.ModTime().Equal(d.mtime) {
			return d, nil
		}
		m.cache.Delete(stem)
	}
	v, err, _ := m.loads.Do(stem, func() (any, error) {
		path := filepath.Join(m.dir, stem+FileSuffix)
		st, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		d, err := parseDescriptor(path, data, st.ModTime())
		if err != nil {
			return nil, err
		}
		m.cache.Set(stem, d)
		slog.Debug("credential descriptor loaded", "file", filepath.Base(path), "kind", string(d.Kind), "credential", d.Masked())
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}
