// Package postgres implements [store.Store] on PostgreSQL via pgx.
//
// Profiles are stored as JSONB documents keyed by learner id; flags live in a
// small key/value table. [Migrate] creates both tables and is run by [Open].
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/admirelc/speakzone/pkg/store"
	"github.com/admirelc/speakzone/pkg/types"
)

const ddl = `
CREATE TABLE IF NOT EXISTS learner_profiles (
    learner_id  TEXT         PRIMARY KEY,
    profile     JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS learner_flags (
    key         TEXT         PRIMARY KEY,
    value       BOOLEAN      NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the tables used by [Store]. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Store is a PostgreSQL-backed store. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn, verifies the connection and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Flag implements [store.FlagStore].
func (s *Store) Flag(ctx context.Context, key string) (bool, error) {
	var v bool
	err := s.pool.QueryRow(ctx, `SELECT value FROM learner_flags WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres store: flag %q: %w", key, err)
	}
	return v, nil
}

// SetFlag implements [store.FlagStore].
func (s *Store) SetFlag(ctx context.Context, key string, value bool) error {
	const q = `
		INSERT INTO learner_flags (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		   SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("postgres store: set flag %q: %w", key, err)
	}
	return nil
}

// LoadProfile implements [store.ProfileStore].
func (s *Store) LoadProfile(ctx context.Context, learnerID string) (*types.Profile, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT profile FROM learner_profiles WHERE learner_id = $1`, learnerID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: profile %q: %w", learnerID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load profile %q: %w", learnerID, err)
	}
	var p types.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("postgres store: decode profile %q: %w", learnerID, err)
	}
	return &p, nil
}

// SaveProfile implements [store.ProfileStore].
func (s *Store) SaveProfile(ctx context.Context, learnerID string, p *types.Profile) error {
	if p == nil {
		return fmt.Errorf("postgres store: nil profile for %q", learnerID)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres store: encode profile %q: %w", learnerID, err)
	}
	const q = `
		INSERT INTO learner_profiles (learner_id, profile, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (learner_id) DO UPDATE
		   SET profile = EXCLUDED.profile, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, learnerID, raw); err != nil {
		return fmt.Errorf("postgres store: save profile %q: %w", learnerID, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
