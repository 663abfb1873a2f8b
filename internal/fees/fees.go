package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/ledger"
)

var ErrInvalidFeePercent = errors.New("fees: invalid fee percent")

var maxFeePercent = decimal.NewFromInt(10)

// Store holds the per-asset bridge fee schedule and the running totals of
// fees collected on successful withdrawals.
type Store interface {
	// SetPercent configures an asset's fee. Percentages outside [0, 10] are
	// rejected here, at configuration time, never at withdrawal time.
	SetPercent(ctx context.Context, asset string, percent decimal.Decimal) error

	// Percent returns the configured fee, or zero for unconfigured assets.
	Percent(ctx context.Context, asset string) (decimal.Decimal, error)

	// AddCollected accrues a successfully taken fee.
	AddCollected(ctx context.Context, asset string, amount decimal.Decimal) error

	// CollectedTotals returns every asset's running total.
	CollectedTotals(ctx context.Context) (map[string]decimal.Decimal, error)

	// ResetCollected zeroes one asset's running total (operator payout).
	ResetCollected(ctx context.Context, asset string) error
}

// ValidatePercent enforces the configuration-time bounds.
func ValidatePercent(percent decimal.Decimal) error {
	if percent.Sign() < 0 || percent.GreaterThan(maxFeePercent) {
		return fmt.Errorf("%w: %s not in [0, 10]", ErrInvalidFeePercent, percent)
	}
	return nil
}

// FeeFor computes the fee taken from amount at the given percent.
func FeeFor(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(decimal.NewFromInt(100))
}

func normalizeAsset(asset string) (string, error) {
	return ledger.NormalizeAsset(asset)
}
