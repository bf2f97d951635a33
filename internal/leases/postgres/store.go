// Package postgres stores writer leases next to the event tables, using
// the database clock for expiry.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/pool-ingest/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ leases.Store = (*Store)(nil)

func New(p *pgxpool.Pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: p}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// TryAcquire inserts the lease, or takes it over when it has expired or
// already belongs to owner.
func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.check(); err != nil {
		return leases.Lease{}, false, err
	}
	if err := leases.Validate(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l, err := scanLease(name, s.pool.QueryRow(ctx, `
		INSERT INTO ingest_leases (name, owner, expires_at)
		VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now(),
			renewed_at = now()
		WHERE ingest_leases.expires_at <= now() OR ingest_leases.owner = EXCLUDED.owner
		RETURNING owner, expires_at
	`, name, owner, ttlMillis(ttl)))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, err := s.current(ctx, name)
		if err != nil {
			return leases.Lease{}, false, err
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", err)
	}
	return l, true, nil
}

// Renew extends the lease for its owner, even past expiry as long as no
// one else has taken it.
func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := s.check(); err != nil {
		return leases.Lease{}, false, err
	}
	if err := leases.Validate(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l, err := scanLease(name, s.pool.QueryRow(ctx, `
		UPDATE ingest_leases
		SET expires_at = now() + $3::bigint * interval '1 millisecond',
			renewed_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, expires_at
	`, name, owner, ttlMillis(ttl)))
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, leases.ErrNotOwner
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if err := s.check(); err != nil {
		return err
	}
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM ingest_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := s.current(ctx, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return leases.ErrNotOwner
	}
	return nil
}

func (s *Store) current(ctx context.Context, name string) (leases.Lease, error) {
	l, err := scanLease(name, s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM ingest_leases WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, err
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: read %s: %w", name, err)
	}
	return l, nil
}

func (s *Store) check() error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return nil
}

func scanLease(name string, row pgx.Row) (leases.Lease, error) {
	l := leases.Lease{Name: name}
	if err := row.Scan(&l.Owner, &l.ExpiresAt); err != nil {
		return leases.Lease{}, err
	}
	return l, nil
}

func ttlMillis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
