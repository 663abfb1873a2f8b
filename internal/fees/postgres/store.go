package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/fees"
	"github.com/walletmesh/custody-ledger/internal/ledger"
)

var ErrInvalidConfig = errors.New("fees/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS asset_fees (
	asset TEXT PRIMARY KEY,
	bridge_fee_percent NUMERIC NOT NULL DEFAULT 0,

	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT asset_nonempty CHECK (asset <> ''),
	CONSTRAINT fee_bounds CHECK (bridge_fee_percent >= 0 AND bridge_fee_percent <= 10)
);

CREATE TABLE IF NOT EXISTS collected_fees (
	asset TEXT PRIMARY KEY,
	total_amount NUMERIC NOT NULL DEFAULT 0,

	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT asset_nonempty CHECK (asset <> ''),
	CONSTRAINT total_nonneg CHECK (total_amount >= 0)
);
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
		return fmt.Errorf("fees/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) SetPercent(ctx context.Context, asset string, percent decimal.Decimal) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	asset, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := fees.ValidatePercent(percent); err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO asset_fees (asset, bridge_fee_percent)
		VALUES ($1, $2::numeric)
		ON CONFLICT (asset) DO UPDATE SET
			bridge_fee_percent = EXCLUDED.bridge_fee_percent,
			updated_at = now()
	`, asset, percent.String())
	if err != nil {
		return fmt.Errorf("fees/postgres: set percent: %w", err)
	}
	return nil
}

func (s *Store) Percent(ctx context.Context, asset string) (decimal.Decimal, error) {
	if s == nil || s.pool == nil {
		return decimal.Decimal{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	asset, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var raw string
	err = s.pool.QueryRow(ctx, `
		SELECT bridge_fee_percent::text FROM asset_fees WHERE asset = $1
	`, asset).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fees/postgres: percent: %w", err)
	}

	p, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fees/postgres: parse percent: %w", err)
	}
	return p, nil
}

func (s *Store) AddCollected(ctx context.Context, asset string, amount decimal.Decimal) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	asset, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return fees.ErrInvalidFeePercent
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO collected_fees (asset, total_amount)
		VALUES ($1, $2::numeric)
		ON CONFLICT (asset) DO UPDATE SET
			total_amount = collected_fees.total_amount + EXCLUDED.total_amount,
			updated_at = now()
	`, asset, amount.String())
	if err != nil {
		return fmt.Errorf("fees/postgres: add collected: %w", err)
	}
	return nil
}

func (s *Store) CollectedTotals(ctx context.Context) (map[string]decimal.Decimal, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT asset, total_amount::text FROM collected_fees WHERE total_amount > 0 ORDER BY asset ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("fees/postgres: collected totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var asset, raw string
		if err := rows.Scan(&asset, &raw); err != nil {
			return nil, fmt.Errorf("fees/postgres: scan total: %w", err)
		}
		total, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("fees/postgres: parse total: %w", err)
		}
		out[asset] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fees/postgres: totals rows: %w", err)
	}
	return out, nil
}

func (s *Store) ResetCollected(ctx context.Context, asset string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	asset, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE collected_fees
		SET total_amount = 0, updated_at = now()
		WHERE asset = $1
	`, asset)
	if err != nil {
		return fmt.Errorf("fees/postgres: reset collected: %w", err)
	}
	return nil
}

var _ fees.Store = (*Store)(nil)
