package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/walletmesh/custody-ledger/internal/owners"
)

var ErrInvalidConfig = errors.New("owners/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_owners (
	owner_address BYTEA PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT owner_address_len CHECK (octet_length(owner_address) = 20)
);
`

type Registry struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Registry, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Registry{pool: pool}, nil
}

func (r *Registry) EnsureSchema(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	_, err := r.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("owners/postgres: ensure schema: %w", err)
	}
	return nil
}

func (r *Registry) Add(ctx context.Context, owner common.Address) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	if owner == (common.Address{}) {
		return owners.ErrInvalidOwner
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO ledger_owners (owner_address)
		VALUES ($1)
		ON CONFLICT (owner_address) DO NOTHING
	`, owner.Bytes())
	if err != nil {
		return fmt.Errorf("owners/postgres: add: %w", err)
	}
	return nil
}

func (r *Registry) List(ctx context.Context) ([]common.Address, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT owner_address FROM ledger_owners ORDER BY owner_address ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("owners/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("owners/postgres: scan owner: %w", err)
		}
		if len(raw) != 20 {
			return nil, fmt.Errorf("owners/postgres: expected 20-byte owner, got %d", len(raw))
		}
		out = append(out, common.BytesToAddress(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("owners/postgres: list rows: %w", err)
	}
	return out, nil
}

var _ owners.Registry = (*Registry)(nil)
