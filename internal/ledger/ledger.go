package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount      = errors.New("ledger: invalid amount")
	ErrInvalidAsset       = errors.New("ledger: invalid asset")
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInvariantViolation = errors.New("ledger: invariant violation")
)

// Balance is the per-(owner, asset) row. Available is spendable; Locked is
// reserved against pending scheduled transfers. Both are always >= 0.
type Balance struct {
	Owner     common.Address
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
}

// Store is the single mutation path for balances. Every mutation is atomic
// with respect to the (owner, asset) row: the sufficiency check and the
// write happen as one operation, never as a read followed by a write.
type Store interface {
	// Credit increases the owner's available balance, creating the row on
	// first use. Idempotency is the caller's concern (see txlog).
	Credit(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal) error

	// Debit decreases available. Fails with ErrInsufficientFunds if
	// available < amount.
	Debit(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal) error

	// Lock moves amount from available to locked; same failure mode as Debit.
	Lock(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal) error

	// Release moves amount from locked back to available. Fails with
	// ErrInvariantViolation if locked < amount: correct callers only release
	// what they previously locked.
	Release(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal) error

	// FinalizeLocked decrements the sender's locked balance and credits the
	// recipient's available balance as one all-or-nothing transaction.
	FinalizeLocked(ctx context.Context, sender, recipient common.Address, asset string, amount decimal.Decimal) error

	// BalanceOf returns the full row; a missing row reads as zero.
	BalanceOf(ctx context.Context, owner common.Address, asset string) (Balance, error)

	// BalancesOf returns the owner's available amount per asset.
	BalancesOf(ctx context.Context, owner common.Address) (map[string]decimal.Decimal, error)
}

// NormalizeAsset canonicalizes an asset symbol for storage keys.
func NormalizeAsset(asset string) (string, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return "", fmt.Errorf("%w: empty symbol", ErrInvalidAsset)
	}
	if len(asset) > 16 {
		return "", fmt.Errorf("%w: symbol too long", ErrInvalidAsset)
	}
	for _, r := range asset {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: symbol %q has invalid characters", ErrInvalidAsset, asset)
		}
	}
	return asset, nil
}

// ValidateAmount rejects zero and negative amounts before they reach a store.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0, got %s", ErrInvalidAmount, amount)
	}
	return nil
}
