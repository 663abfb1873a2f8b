package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/walletmesh/custody-ledger/internal/derive"
)

var ErrInvalidConfig = errors.New("derive/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS derived_accounts (
	account_id TEXT PRIMARY KEY,
	owner_address BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT account_id_nonempty CHECK (account_id <> ''),
	CONSTRAINT owner_address_len CHECK (octet_length(owner_address) = 20)
);
`

// Index is the durable reverse index from derived account ids to owners.
type Index struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Index, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Index{pool: pool}, nil
}

func (i *Index) EnsureSchema(ctx context.Context) error {
	if i == nil || i.pool == nil {
		return fmt.Errorf("%w: nil index", ErrInvalidConfig)
	}
	_, err := i.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("derive/postgres: ensure schema: %w", err)
	}
	return nil
}

func (i *Index) Put(ctx context.Context, accountID string, owner common.Address) error {
	if i == nil || i.pool == nil {
		return fmt.Errorf("%w: nil index", ErrInvalidConfig)
	}
	if strings.TrimSpace(accountID) == "" {
		return derive.ErrInvalidAccountID
	}

	// The derivation is deterministic, so a conflicting row is identical.
	_, err := i.pool.Exec(ctx, `
		INSERT INTO derived_accounts (account_id, owner_address)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, owner.Bytes())
	if err != nil {
		return fmt.Errorf("derive/postgres: put: %w", err)
	}
	return nil
}

func (i *Index) Get(ctx context.Context, accountID string) (common.Address, bool, error) {
	if i == nil || i.pool == nil {
		return common.Address{}, false, fmt.Errorf("%w: nil index", ErrInvalidConfig)
	}

	var raw []byte
	err := i.pool.QueryRow(ctx, `
		SELECT owner_address FROM derived_accounts WHERE account_id = $1
	`, accountID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("derive/postgres: get: %w", err)
	}
	if len(raw) != 20 {
		return common.Address{}, false, fmt.Errorf("derive/postgres: expected 20-byte owner, got %d", len(raw))
	}
	return common.BytesToAddress(raw), true, nil
}

var _ derive.IndexStore = (*Index)(nil)
