package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/ledger"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

// Store implements ledger.Store on a pgx pool. Every mutation is a single
// conditional UPDATE scoped to the (owner, asset) row, so the sufficiency
// check and the write cannot be interleaved by a concurrent caller.
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
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Credit(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal) error {
	asset, err := normalize(s, asset, amount)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledger_balances (owner_address, asset, available)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (owner_address, asset)
		DO UPDATE SET
			available = ledger_balances.available + EXCLUDED.available,
			updated_at = now()
	`, owner.Bytes(), asset, amount.String())
	if err != nil {
		return fmt.Errorf("ledger/postgres: credit: %w", err)
	}
	return nil
}

func (s *Store) Debit(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal) error {
	asset, err := normalize(s, asset, amount)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_balances
		SET available = available - $3::numeric, updated_at = now()
		WHERE owner_address = $1 AND asset = $2 AND available >= $3::numeric
	`, owner.Bytes(), asset, amount.String())
	if err != nil {
		return fmt.Errorf("ledger/postgres: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInsufficientFunds
	}
	return nil
}

func (s *Store) Lock(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal) error {
	asset, err := normalize(s, asset, amount)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_balances
		SET
			available = available - $3::numeric,
			locked = locked + $3::numeric,
			updated_at = now()
		WHERE owner_address = $1 AND asset = $2 AND available >= $3::numeric
	`, owner.Bytes(), asset, amount.String())
	if err != nil {
		return fmt.Errorf("ledger/postgres: lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInsufficientFunds
	}
	return nil
}

func (s *Store) Release(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal) error {
	asset, err := normalize(s, asset, amount)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_balances
		SET
			available = available + $3::numeric,
			locked = locked - $3::numeric,
			updated_at = now()
		WHERE owner_address = $1 AND asset = $2 AND locked >= $3::numeric
	`, owner.Bytes(), asset, amount.String())
	if err != nil {
		return fmt.Errorf("ledger/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInvariantViolation
	}
	return nil
}

func (s *Store) FinalizeLocked(ctx context.Context, sender, recipient common.Address, asset string, amount decimal.Decimal) error {
	asset, err := normalize(s, asset, amount)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("ledger/postgres: begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE ledger_balances
		SET locked = locked - $3::numeric, updated_at = now()
		WHERE owner_address = $1 AND asset = $2 AND locked >= $3::numeric
	`, sender.Bytes(), asset, amount.String())
	if err != nil {
		return fmt.Errorf("ledger/postgres: finalize sender side: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrInvariantViolation
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_balances (owner_address, asset, available)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (owner_address, asset)
		DO UPDATE SET
			available = ledger_balances.available + EXCLUDED.available,
			updated_at = now()
	`, recipient.Bytes(), asset, amount.String())
	if err != nil {
		return fmt.Errorf("ledger/postgres: finalize recipient side: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: commit finalize tx: %w", err)
	}
	return nil
}

func (s *Store) BalanceOf(ctx context.Context, owner common.Address, asset string) (ledger.Balance, error) {
	if s == nil || s.pool == nil {
		return ledger.Balance{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	asset, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return ledger.Balance{}, err
	}

	var availableRaw, lockedRaw string
	err = s.pool.QueryRow(ctx, `
		SELECT available::text, locked::text
		FROM ledger_balances
		WHERE owner_address = $1 AND asset = $2
	`, owner.Bytes(), asset).Scan(&availableRaw, &lockedRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{
			Owner:     owner,
			Asset:     asset,
			Available: decimal.Zero,
			Locked:    decimal.Zero,
		}, nil
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("ledger/postgres: balance of: %w", err)
	}

	available, err := decimal.NewFromString(availableRaw)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("ledger/postgres: parse available: %w", err)
	}
	locked, err := decimal.NewFromString(lockedRaw)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("ledger/postgres: parse locked: %w", err)
	}
	return ledger.Balance{
		Owner:     owner,
		Asset:     asset,
		Available: available,
		Locked:    locked,
	}, nil
}

func (s *Store) BalancesOf(ctx context.Context, owner common.Address) (map[string]decimal.Decimal, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT asset, available::text
		FROM ledger_balances
		WHERE owner_address = $1
		ORDER BY asset ASC
	`, owner.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: balances of: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset, availableRaw string
		if err := rows.Scan(&asset, &availableRaw); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan balance row: %w", err)
		}
		available, err := decimal.NewFromString(availableRaw)
		if err != nil {
			return nil, fmt.Errorf("ledger/postgres: parse available: %w", err)
		}
		out[asset] = available
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: balances rows: %w", err)
	}
	return out, nil
}

func normalize(s *Store, asset string, amount decimal.Decimal) (string, error) {
	if s == nil || s.pool == nil {
		return "", fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	asset, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return "", err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return "", err
	}
	return asset, nil
}

var _ ledger.Store = (*Store)(nil)
