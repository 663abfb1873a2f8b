package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/walletmesh/custody-ledger/internal/ledger"
)

var (
	ErrInvalidTransfer   = errors.New("scheduler: invalid transfer")
	ErrNotFound          = errors.New("scheduler: transfer not found")
	ErrNotPending        = errors.New("scheduler: transfer is not pending")
	ErrClaimed           = errors.New("scheduler: transfer is claimed for execution")
	ErrNotSender         = errors.New("scheduler: requester is not the sender")
	ErrInvalidConfig     = errors.New("scheduler: invalid config")
	ErrInvalidTransition = errors.New("scheduler: invalid transition")
)

type Status string

const (
	// StatusPending: funds are locked on the sender, waiting for execute_at.
	StatusPending Status = "pending"
	// StatusExecuted: locked funds moved to the recipient.
	StatusExecuted Status = "executed"
	// StatusRetrieved: the sender cancelled and the lock was released.
	StatusRetrieved Status = "retrieved"
	// StatusFailed: execution failed permanently; funds stay locked for
	// operator intervention.
	StatusFailed Status = "failed"
)

// Transfer is a delayed balance movement between two owners.
type Transfer struct {
	ID          uuid.UUID
	Sender      common.Address
	Recipient   common.Address
	Asset       string
	Amount      decimal.Decimal
	ExecuteAt   time.Time
	ChainNative bool
	Status      Status
	CreatedAt   time.Time
}

func (t Transfer) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidTransfer)
	}
	if t.Sender == (common.Address{}) {
		return fmt.Errorf("%w: missing sender", ErrInvalidTransfer)
	}
	if t.Recipient == (common.Address{}) {
		return fmt.Errorf("%w: missing recipient", ErrInvalidTransfer)
	}
	if t.Sender == t.Recipient {
		return fmt.Errorf("%w: sender and recipient are the same owner", ErrInvalidTransfer)
	}
	if _, err := ledger.NormalizeAsset(t.Asset); err != nil {
		return err
	}
	if err := ledger.ValidateAmount(t.Amount); err != nil {
		return err
	}
	if t.ExecuteAt.IsZero() {
		return fmt.Errorf("%w: missing execute_at", ErrInvalidTransfer)
	}
	return nil
}

// Store persists delayed transfers.
//
// ClaimDue and MarkRetrieved are the two sides of the cancel/execute race:
// ClaimDue leases due pending transfers to one worker, and MarkRetrieved
// refuses transfers with a live claim, so exactly one of the two paths
// wins for any transfer.
type Store interface {
	Create(ctx context.Context, t Transfer) error
	Get(ctx context.Context, id uuid.UUID) (Transfer, error)
	ListBySender(ctx context.Context, sender common.Address, status Status) ([]Transfer, error)

	// ClaimDue leases up to limit pending transfers whose execute_at has
	// passed. A transfer already leased by another live claim is skipped;
	// re-claiming by the same owner extends the lease.
	ClaimDue(ctx context.Context, owner string, ttl time.Duration, limit int) ([]Transfer, error)

	// MarkRetrieved transitions pending -> retrieved. It fails with
	// ErrClaimed when an execution claim is live, and ErrNotPending when
	// the transfer already left pending.
	MarkRetrieved(ctx context.Context, id uuid.UUID) error

	// MarkExecuted transitions pending -> executed for the claim holder.
	MarkExecuted(ctx context.Context, id uuid.UUID, owner string) error

	// MarkFailed transitions pending -> failed for the claim holder.
	MarkFailed(ctx context.Context, id uuid.UUID, owner string) error

	// ReleaseClaim drops the owner's claim so a later sweep can retry.
	ReleaseClaim(ctx context.Context, id uuid.UUID, owner string) error
}

// IdempotencyKey derives the stable per-transfer key handed to the
// settlement contract, so a retried execution cannot double-move funds.
func IdempotencyKey(id uuid.UUID) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("transfer"))
	h.Write(id[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}
