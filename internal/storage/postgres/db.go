// Package postgres implements the storage interfaces using PostgreSQL via
// jackc/pgx connection pools.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	palantir "github.com/eugener/palantir/internal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements storage.Store using PostgreSQL.
//
// Two pools with separate sizing: relay serves the request path (writer
// inserts, conversation-link lookups) and must never queue behind the
// analysis worker's scans, which go through analytics.
type Store struct {
	relay     *pgxpool.Pool
	analytics *pgxpool.Pool
}

// New runs migrations against dsn and returns a connected Store. Non-positive
// pool sizes fall back to defaults.
func New(ctx context.Context, dsn string, maxConns, analyticsMaxConns int32) (*Store, error) {
	if maxConns <= 0 {
		maxConns = int32(max(4, runtime.NumCPU()))
	}
	if analyticsMaxConns <= 0 {
		analyticsMaxConns = 4
	}

	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	relay, err := newPool(ctx, dsn, maxConns)
	if err != nil {
		return nil, fmt.Errorf("open relay pool: %w", err)
	}
	analytics, err := newPool(ctx, dsn, analyticsMaxConns)
	if err != nil {
		relay.Close()
		return nil, fmt.Errorf("open analytics pool: %w", err)
	}

	s := &Store{relay: relay, analytics: analytics}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return s, nil
}

func newPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = maxConns
	return pgxpool.NewWithConfig(ctx, cfg)
}

// runMigrations applies embedded SQL migrations using goose. goose wants a
// database/sql handle, so a short-lived one is opened through the pgx stdlib
// adapter and closed once the schema is current.
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration db: %w", err)
	}
	defer db.Close()

	// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity on both pools.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.relay.Ping(ctx); err != nil {
		return err
	}
	return s.analytics.Ping(ctx)
}

// Close releases both pools. pgxpool waits for checked-out connections.
func (s *Store) Close() {
	s.relay.Close()
	s.analytics.Close()
}

// notFoundErr translates pgx.ErrNoRows to palantir.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return palantir.ErrNotFound
	}
	return err
}

// jsonArg passes raw JSON through to a jsonb column, mapping empty to NULL.
func jsonArg(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// uuidArg maps the empty string to NULL for nullable uuid columns.
func uuidArg(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
