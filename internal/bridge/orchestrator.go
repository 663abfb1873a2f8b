package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/events"
	"github.com/walletmesh/custody-ledger/internal/fees"
	"github.com/walletmesh/custody-ledger/internal/ledger"
	"github.com/walletmesh/custody-ledger/internal/txlog"
)

var (
	ErrInvalidWithdrawal = errors.New("bridge: invalid withdrawal")
	ErrBridgeFailed      = errors.New("bridge: provider rejected the withdrawal")
	ErrProviderTimeout   = errors.New("bridge: provider timed out")
	ErrInvalidConfig     = errors.New("bridge: invalid orchestrator config")
)

// Withdrawal is the outcome of a completed bridge withdrawal.
type Withdrawal struct {
	ID          uuid.UUID
	Owner       common.Address
	Asset       string
	Amount      decimal.Decimal // full amount debited from the owner
	Fee         decimal.Decimal
	Bridged     decimal.Decimal // amount - fee, sent across the bridge
	Destination string
	TxHash      string
}

type OrchestratorConfig struct {
	Ledger   ledger.Store
	Fees     fees.Store
	TxLog    txlog.Store
	Provider Provider

	// Events is optional.
	Events *events.Publisher

	// SubmitTimeout bounds the provider call so a hung bridge cannot hold
	// the owner's funds in limbo indefinitely.
	SubmitTimeout time.Duration

	Log *slog.Logger
}

// Orchestrator runs the bridge withdrawal sequence: take the fee, debit the
// owner, hand the remainder to the provider, and undo the debit if the
// provider does not come back with a transaction hash.
type Orchestrator struct {
	ledger   ledger.Store
	fees     fees.Store
	txlog    txlog.Store
	provider Provider
	events   *events.Publisher

	submitTimeout time.Duration
	log           *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Ledger == nil || cfg.Fees == nil || cfg.TxLog == nil || cfg.Provider == nil {
		return nil, ErrInvalidConfig
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Orchestrator{
		ledger:        cfg.Ledger,
		fees:          cfg.Fees,
		txlog:         cfg.TxLog,
		provider:      cfg.Provider,
		events:        cfg.Events,
		submitTimeout: cfg.SubmitTimeout,
		log:           cfg.Log,
	}, nil
}

// Withdraw moves amount out of the owner's available balance and bridges
// amount minus the configured fee to destination. On provider failure the
// debit is rolled back and no fee is kept: fees accrue only on success.
func (o *Orchestrator) Withdraw(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal, destination string) (Withdrawal, error) {
	asset, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return Withdrawal{}, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return Withdrawal{}, err
	}
	if owner == (common.Address{}) {
		return Withdrawal{}, fmt.Errorf("%w: missing owner", ErrInvalidWithdrawal)
	}
	if destination == "" {
		return Withdrawal{}, fmt.Errorf("%w: missing destination", ErrInvalidWithdrawal)
	}

	percent, err := o.fees.Percent(ctx, asset)
	if err != nil {
		return Withdrawal{}, err
	}
	fee := fees.FeeFor(amount, percent)
	bridged := amount.Sub(fee)
	if bridged.Sign() <= 0 {
		return Withdrawal{}, fmt.Errorf("%w: amount is consumed by the fee", ErrInvalidWithdrawal)
	}

	// The full amount leaves the owner first; everything after this point
	// must either complete or put it back.
	if err := o.ledger.Debit(ctx, owner, asset, amount); err != nil {
		return Withdrawal{}, err
	}

	id := uuid.New()
	receipt, err := o.submit(ctx, Submission{
		Asset:          asset,
		Amount:         bridged,
		Destination:    destination,
		IdempotencyKey: id.String(),
	})
	if err != nil || receipt.TxHash == "" {
		o.rollback(ctx, owner, asset, amount, id)
		if errors.Is(err, context.DeadlineExceeded) {
			return Withdrawal{}, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
		}
		if err != nil {
			return Withdrawal{}, fmt.Errorf("%w: %v", ErrBridgeFailed, err)
		}
		return Withdrawal{}, fmt.Errorf("%w: no transaction hash", ErrBridgeFailed)
	}

	if fee.Sign() > 0 {
		if err := o.fees.AddCollected(ctx, asset, fee); err != nil {
			// The withdrawal succeeded; a lost fee accrual is an accounting
			// gap, not a reason to fail the owner.
			o.log.Error("accrue collected fee", "withdrawal", id, "asset", asset, "err", err)
		}
	}

	if _, err := o.txlog.Append(ctx, txlog.Record{
		Owner:       owner,
		AssetType:   "custodial",
		Direction:   txlog.DirectionWithdraw,
		Asset:       asset,
		Amount:      amount,
		ExternalRef: "withdrawal:" + id.String(),
		Status:      "completed",
		Origin:      "bridge",
	}); err != nil {
		o.log.Error("append withdrawal audit record", "withdrawal", id, "err", err)
	}

	o.events.Publish(ctx, events.KindWithdrawalCompleted, owner, asset, amount, receipt.TxHash)

	return Withdrawal{
		ID:          id,
		Owner:       owner,
		Asset:       asset,
		Amount:      amount,
		Fee:         fee,
		Bridged:     bridged,
		Destination: destination,
		TxHash:      receipt.TxHash,
	}, nil
}

func (o *Orchestrator) submit(ctx context.Context, sub Submission) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	defer cancel()
	return o.provider.Submit(ctx, sub)
}

func (o *Orchestrator) rollback(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal, id uuid.UUID) {
	// Use a fresh context: the caller's may already be cancelled, and the
	// refund must still land.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := o.ledger.Credit(rctx, owner, asset, amount); err != nil {
		// Funds are now off-ledger; this needs an operator.
		o.log.Error("rollback withdrawal debit", "withdrawal", id, "owner", owner.Hex(), "asset", asset, "amount", amount.String(), "err", err)
	}
}
