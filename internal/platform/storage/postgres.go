package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationPortalKV is the SQL DDL for the portal_kv table. It is safe to
// execute multiple times.
const MigrationPortalKV = `
CREATE TABLE IF NOT EXISTS portal_kv (
    key         TEXT PRIMARY KEY,
    value       BYTEA NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by Postgres. Both
// *pgxpool.Pool (via pgxPoolWrapper) and test mocks implement it.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// Postgres is a PostgreSQL-backed Storage. Suitable when several portal
// instances behind a load balancer must share the persisted state.
type Postgres struct {
	db    pgConn
	ping  func(ctx context.Context) error
	close func()
}

// NewPostgres creates a store over db. The schema is not touched; call
// EnsureSchema or use NewPostgresFromURL.
func NewPostgres(db pgConn) *Postgres {
	return &Postgres{db: db}
}

// NewPostgresFromURL opens a small pgx pool, pings it and applies
// MigrationPortalKV.
func NewPostgresFromURL(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Postgres{db: &pgxPoolWrapper{pool: pool}, ping: pool.Ping, close: pool.Close}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the portal_kv table if it does not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if err := s.db.Exec(ctx, MigrationPortalKV); err != nil {
		return fmt.Errorf("migrate portal_kv: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM portal_kv WHERE key = $1`

	var data []byte
	if err := s.db.QueryRow(ctx, query, key).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres storage: get %q: %w", key, err)
	}
	return data, nil
}

func (s *Postgres) Set(ctx context.Context, key string, value []byte) error {
	const query = `INSERT INTO portal_kv (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value,
                                updated_at = EXCLUDED.updated_at`

	if err := s.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres storage: set %q: %w", key, err)
	}
	return nil
}

func (s *Postgres) Remove(ctx context.Context, key string) error {
	const query = `DELETE FROM portal_kv WHERE key = $1`
	if err := s.db.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("postgres storage: remove %q: %w", key, err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if s.ping == nil {
		return s.db.Exec(ctx, "SELECT 1")
	}
	return s.ping(ctx)
}

func (s *Postgres) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// isNoRows works with both pgx.ErrNoRows and the mock used in tests.
func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn; pgxpool's Exec also returns
// a command tag that the store has no use for.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}
