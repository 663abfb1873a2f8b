package txlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRecord = errors.New("txlog: invalid record")
	ErrNotFound      = errors.New("txlog: not found")
)

type Direction string

const (
	DirectionDeposit  Direction = "deposit"
	DirectionWithdraw Direction = "withdraw"
	DirectionTransfer Direction = "transfer"
)

// Record is one append-only audit entry. Records are write-once: nothing in
// this package mutates or deletes a stored record.
type Record struct {
	ID          int64
	Owner       common.Address
	AssetType   string
	Direction   Direction
	Asset       string
	Amount      decimal.Decimal
	ExternalRef string // provider tx reference or idempotency key; "" when none
	Status      string
	SourceIP    string
	Origin      string // subsystem that wrote the record
	CreatedAt   time.Time
}

func (r Record) Validate() error {
	if r.Owner == (common.Address{}) {
		return fmt.Errorf("%w: missing owner", ErrInvalidRecord)
	}
	switch r.Direction {
	case DirectionDeposit, DirectionWithdraw, DirectionTransfer:
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalidRecord, r.Direction)
	}
	if strings.TrimSpace(r.Asset) == "" {
		return fmt.Errorf("%w: missing asset", ErrInvalidRecord)
	}
	if r.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Origin) == "" {
		return fmt.Errorf("%w: missing origin", ErrInvalidRecord)
	}
	return nil
}

// Store persists audit records. The external reference is unique across the
// log: Append with an already-recorded ref reports inserted=false without
// touching the log, which is the idempotency source of truth for deposit
// reconciliation and sweep retries.
type Store interface {
	// Append writes the record. When ExternalRef is non-empty and already
	// present, nothing is written and inserted is false.
	Append(ctx context.Context, r Record) (inserted bool, err error)

	// HasExternalRef reports whether a record with the given reference exists.
	HasExternalRef(ctx context.Context, ref string) (bool, error)

	// ListByOwner returns the owner's records, newest first.
	ListByOwner(ctx context.Context, owner common.Address, limit int) ([]Record, error)
}
