package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/walletmesh/custody-ledger/internal/coord"
)

var ErrInvalidConfig = errors.New("coord/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_leases (
	task TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,

	CONSTRAINT task_nonempty CHECK (task <> ''),
	CONSTRAINT owner_nonempty CHECK (owner_id <> '')
);

CREATE TABLE IF NOT EXISTS task_checkpoints (
	task TEXT PRIMARY KEY,
	last_run_at TIMESTAMPTZ NOT NULL,

	CONSTRAINT task_nonempty CHECK (task <> '')
);
`

// Store implements coord.LeaseStore and coord.CheckpointStore on postgres.
// Lease acquisition is a single conditional upsert, so two instances racing
// for the same task cannot both win.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("coord/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, task, owner string, ttl time.Duration) (coord.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return coord.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if task == "" || owner == "" || ttl <= 0 {
		return coord.Lease{}, false, coord.ErrInvalidInput
	}

	var (
		gotOwner  string
		expiresAt time.Time
	)
	// The upsert only steals an existing row when it has expired; RETURNING
	// reports who holds the lease either way.
	err := s.pool.QueryRow(ctx, `
		INSERT INTO task_leases (task, owner_id, expires_at)
		VALUES ($1, $2, now() + $3)
		ON CONFLICT (task) DO UPDATE
		SET owner_id = EXCLUDED.owner_id, expires_at = EXCLUDED.expires_at
		WHERE task_leases.expires_at <= now() OR task_leases.owner_id = EXCLUDED.owner_id
		RETURNING owner_id, expires_at
	`, task, owner, ttl).Scan(&gotOwner, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict row was live and held by someone else.
		l, err := s.get(ctx, task)
		if err != nil {
			return coord.Lease{}, false, err
		}
		return l, false, nil
	}
	if err != nil {
		return coord.Lease{}, false, fmt.Errorf("coord/postgres: try acquire: %w", err)
	}
	return coord.Lease{Task: task, Owner: gotOwner, ExpiresAt: expiresAt}, gotOwner == owner, nil
}

func (s *Store) Renew(ctx context.Context, task, owner string, ttl time.Duration) (coord.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return coord.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if task == "" || owner == "" || ttl <= 0 {
		return coord.Lease{}, false, coord.ErrInvalidInput
	}

	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE task_leases
		SET expires_at = now() + $3
		WHERE task = $1 AND owner_id = $2
		RETURNING expires_at
	`, task, owner, ttl).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.get(ctx, task); errors.Is(err, coord.ErrNotFound) {
			return coord.Lease{}, false, coord.ErrNotFound
		}
		return coord.Lease{}, false, coord.ErrNotOwner
	}
	if err != nil {
		return coord.Lease{}, false, fmt.Errorf("coord/postgres: renew: %w", err)
	}
	return coord.Lease{Task: task, Owner: owner, ExpiresAt: expiresAt}, true, nil
}

func (s *Store) Release(ctx context.Context, task, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if task == "" || owner == "" {
		return coord.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM task_leases WHERE task = $1 AND owner_id = $2
	`, task, owner)
	if err != nil {
		return fmt.Errorf("coord/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.get(ctx, task); errors.Is(err, coord.ErrNotFound) {
			return nil
		}
		return coord.ErrNotOwner
	}
	return nil
}

func (s *Store) SetLastRun(ctx context.Context, task string, at time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if task == "" || at.IsZero() {
		return coord.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_checkpoints (task, last_run_at)
		VALUES ($1, $2)
		ON CONFLICT (task) DO UPDATE SET last_run_at = EXCLUDED.last_run_at
	`, task, at.UTC())
	if err != nil {
		return fmt.Errorf("coord/postgres: set last run: %w", err)
	}
	return nil
}

func (s *Store) LastRun(ctx context.Context, task string) (time.Time, error) {
	if s == nil || s.pool == nil {
		return time.Time{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if task == "" {
		return time.Time{}, coord.ErrInvalidInput
	}

	var at time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT last_run_at FROM task_checkpoints WHERE task = $1
	`, task).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, coord.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("coord/postgres: last run: %w", err)
	}
	return at, nil
}

func (s *Store) get(ctx context.Context, task string) (coord.Lease, error) {
	var (
		owner     string
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT owner_id, expires_at FROM task_leases WHERE task = $1
	`, task).Scan(&owner, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return coord.Lease{}, coord.ErrNotFound
	}
	if err != nil {
		return coord.Lease{}, fmt.Errorf("coord/postgres: get lease: %w", err)
	}
	return coord.Lease{Task: task, Owner: owner, ExpiresAt: expiresAt}, nil
}

var (
	_ coord.LeaseStore      = (*Store)(nil)
	_ coord.CheckpointStore = (*Store)(nil)
)
