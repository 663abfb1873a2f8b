package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/txlog"
)

var ErrInvalidConfig = errors.New("txlog/postgres: invalid config")

// Store implements txlog.Store. Idempotency rides on the partial unique
// index over external_ref: ON CONFLICT DO NOTHING makes a replayed Append a
// no-op with no check-then-insert window.
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
		return fmt.Errorf("txlog/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, r txlog.Record) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := r.Validate(); err != nil {
		return false, err
	}

	var ref *string
	if v := strings.TrimSpace(r.ExternalRef); v != "" {
		ref = &v
	}
	status := r.Status
	if status == "" {
		status = "confirmed"
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_transactions (
			owner_address,
			asset_type,
			direction,
			asset,
			amount,
			external_ref,
			status,
			source_ip,
			origin
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
		ON CONFLICT (external_ref) WHERE external_ref IS NOT NULL DO NOTHING
	`, r.Owner.Bytes(), r.AssetType, string(r.Direction), r.Asset, r.Amount.String(), ref, status, r.SourceIP, r.Origin)
	if err != nil {
		return false, fmt.Errorf("txlog/postgres: append: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) HasExternalRef(ctx context.Context, ref string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false, nil
	}

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_transactions WHERE external_ref = $1
		)
	`, ref).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("txlog/postgres: has external ref: %w", err)
	}
	return exists, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner common.Address, limit int) ([]txlog.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT
			id,
			owner_address,
			asset_type,
			direction,
			asset,
			amount::text,
			COALESCE(external_ref, ''),
			status,
			COALESCE(source_ip, ''),
			origin,
			created_at
		FROM ledger_transactions
		WHERE owner_address = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, owner.Bytes(), limit)
	if err != nil {
		return nil, fmt.Errorf("txlog/postgres: list by owner: %w", err)
	}
	defer rows.Close()

	out := make([]txlog.Record, 0, limit)
	for rows.Next() {
		var (
			r         txlog.Record
			ownerRaw  []byte
			direction string
			amountRaw string
		)
		if err := rows.Scan(&r.ID, &ownerRaw, &r.AssetType, &direction, &r.Asset, &amountRaw, &r.ExternalRef, &r.Status, &r.SourceIP, &r.Origin, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("txlog/postgres: scan record: %w", err)
		}
		if len(ownerRaw) != 20 {
			return nil, fmt.Errorf("txlog/postgres: expected 20-byte owner, got %d", len(ownerRaw))
		}
		r.Owner = common.BytesToAddress(ownerRaw)
		r.Direction = txlog.Direction(direction)
		r.Amount, err = decimal.NewFromString(amountRaw)
		if err != nil {
			return nil, fmt.Errorf("txlog/postgres: parse amount: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("txlog/postgres: list rows: %w", err)
	}
	return out, nil
}

var _ txlog.Store = (*Store)(nil)
