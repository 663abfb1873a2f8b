package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/scheduler"
)

var ErrInvalidConfig = errors.New("scheduler/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS scheduled_transfers (
	id UUID PRIMARY KEY,
	sender BYTEA NOT NULL,
	recipient BYTEA NOT NULL,
	asset TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	execute_at TIMESTAMPTZ NOT NULL,
	chain_native BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL DEFAULT 'pending',

	claimed_by TEXT,
	claim_expires_at TIMESTAMPTZ,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT sender_len CHECK (octet_length(sender) = 20),
	CONSTRAINT recipient_len CHECK (octet_length(recipient) = 20),
	CONSTRAINT amount_positive CHECK (amount > 0),
	CONSTRAINT status_valid CHECK (status IN ('pending', 'executed', 'retrieved', 'failed'))
);

CREATE INDEX IF NOT EXISTS scheduled_transfers_due_idx
	ON scheduled_transfers (execute_at) WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS scheduled_transfers_sender_idx
	ON scheduled_transfers (sender, created_at);
`

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
		return fmt.Errorf("scheduler/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, t scheduler.Transfer) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status != scheduler.StatusPending {
		return scheduler.ErrInvalidTransition
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_transfers (id, sender, recipient, asset, amount, execute_at, chain_native, status)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, 'pending')
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.Sender.Bytes(), t.Recipient.Bytes(), t.Asset, t.Amount.String(), t.ExecuteAt.UTC(), t.ChainNative)
	if err != nil {
		return fmt.Errorf("scheduler/postgres: create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scheduler.ErrInvalidTransition
	}
	return nil
}

const transferColumns = `id, sender, recipient, asset, amount::text, execute_at, chain_native, status, created_at`

func (s *Store) Get(ctx context.Context, id uuid.UUID) (scheduler.Transfer, error) {
	if s == nil || s.pool == nil {
		return scheduler.Transfer{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+transferColumns+` FROM scheduled_transfers WHERE id = $1
	`, id)
	t, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scheduler.Transfer{}, scheduler.ErrNotFound
	}
	if err != nil {
		return scheduler.Transfer{}, fmt.Errorf("scheduler/postgres: get: %w", err)
	}
	return t, nil
}

func (s *Store) ListBySender(ctx context.Context, sender common.Address, status scheduler.Status) ([]scheduler.Transfer, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+transferColumns+`
		FROM scheduled_transfers
		WHERE sender = $1 AND ($2 = '' OR status = $2)
		ORDER BY execute_at ASC, id ASC
	`, sender.Bytes(), string(status))
	if err != nil {
		return nil, fmt.Errorf("scheduler/postgres: list by sender: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler/postgres: scan transfer: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) ClaimDue(ctx context.Context, owner string, ttl time.Duration, limit int) ([]scheduler.Transfer, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == "" || ttl <= 0 || limit <= 0 {
		return nil, scheduler.ErrInvalidConfig
	}

	expiresAt := time.Now().UTC().Add(ttl)
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id
			FROM scheduled_transfers
			WHERE
				status = 'pending'
				AND execute_at <= now()
				AND (
					claim_expires_at IS NULL
					OR claim_expires_at <= now()
					OR claimed_by = $1
				)
			ORDER BY execute_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE scheduled_transfers st
		SET claimed_by = $1, claim_expires_at = $3, updated_at = now()
		FROM picked
		WHERE st.id = picked.id
		RETURNING st.id, st.sender, st.recipient, st.asset, st.amount::text, st.execute_at, st.chain_native, st.status, st.created_at
	`, owner, limit, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("scheduler/postgres: claim due: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduler/postgres: scan claim row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler/postgres: claim rows: %w", err)
	}
	return out, nil
}

func (s *Store) MarkRetrieved(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_transfers
		SET status = 'retrieved', claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE id = $1
			AND status = 'pending'
			AND (claim_expires_at IS NULL OR claim_expires_at <= now())
	`, id)
	if err != nil {
		return fmt.Errorf("scheduler/postgres: mark retrieved: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish why the conditional update matched nothing.
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != scheduler.StatusPending {
		return scheduler.ErrNotPending
	}
	return scheduler.ErrClaimed
}

func (s *Store) MarkExecuted(ctx context.Context, id uuid.UUID, owner string) error {
	return s.markFromPending(ctx, id, owner, scheduler.StatusExecuted)
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, owner string) error {
	return s.markFromPending(ctx, id, owner, scheduler.StatusFailed)
}

func (s *Store) markFromPending(ctx context.Context, id uuid.UUID, owner string, to scheduler.Status) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == "" {
		return scheduler.ErrInvalidConfig
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_transfers
		SET status = $3, claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE id = $1
			AND status = 'pending'
			AND claimed_by = $2
			AND claim_expires_at > now()
	`, id, owner, string(to))
	if err != nil {
		return fmt.Errorf("scheduler/postgres: mark %s: %w", to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != scheduler.StatusPending {
		return scheduler.ErrNotPending
	}
	return scheduler.ErrInvalidTransition
}

func (s *Store) ReleaseClaim(ctx context.Context, id uuid.UUID, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if owner == "" {
		return scheduler.ErrInvalidConfig
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_transfers
		SET claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND claimed_by = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("scheduler/postgres: release claim: %w", err)
	}
	return nil
}

func scanTransfer(row pgx.Row) (scheduler.Transfer, error) {
	var (
		t         scheduler.Transfer
		sender    []byte
		recipient []byte
		rawAmount string
		status    string
	)
	err := row.Scan(&t.ID, &sender, &recipient, &t.Asset, &rawAmount, &t.ExecuteAt, &t.ChainNative, &status, &t.CreatedAt)
	if err != nil {
		return scheduler.Transfer{}, err
	}
	if len(sender) != common.AddressLength || len(recipient) != common.AddressLength {
		return scheduler.Transfer{}, fmt.Errorf("scheduler/postgres: unexpected address length")
	}
	t.Sender = common.BytesToAddress(sender)
	t.Recipient = common.BytesToAddress(recipient)
	t.Amount, err = decimal.NewFromString(rawAmount)
	if err != nil {
		return scheduler.Transfer{}, fmt.Errorf("scheduler/postgres: parse amount: %w", err)
	}
	t.Status = scheduler.Status(status)
	return t, nil
}

var _ scheduler.Store = (*Store)(nil)
