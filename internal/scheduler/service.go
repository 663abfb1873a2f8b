package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/events"
	"github.com/walletmesh/custody-ledger/internal/ledger"
	"github.com/walletmesh/custody-ledger/internal/txlog"
)

// ChainExecutor settles a chain-native transfer on the settlement contract.
// The idempotency key makes a retried settlement a no-op on chain.
type ChainExecutor interface {
	ExecuteTransfer(ctx context.Context, key [32]byte) (common.Hash, error)
}

type ServiceConfig struct {
	Ledger    ledger.Store
	Transfers Store
	TxLog     txlog.Store

	// Executor is optional; when nil, chain-native transfers fail execution
	// and stay claimable for a configured sweeper.
	Executor ChainExecutor

	// Events is optional.
	Events *events.Publisher

	// WorkerID identifies this process in transfer claims.
	WorkerID string

	ClaimTTL  time.Duration
	BatchSize int

	Log *slog.Logger
	Now func() time.Time
}

// Service owns the delayed-transfer lifecycle: schedule locks sender funds,
// cancel returns them, and ExecuteDue finalizes locked funds to recipients.
type Service struct {
	ledger    ledger.Store
	transfers Store
	txlog     txlog.Store
	executor  ChainExecutor
	events    *events.Publisher

	workerID string
	claimTTL time.Duration
	batch    int

	log *slog.Logger
	now func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: missing ledger store", ErrInvalidConfig)
	}
	if cfg.Transfers == nil {
		return nil, fmt.Errorf("%w: missing transfer store", ErrInvalidConfig)
	}
	if cfg.TxLog == nil {
		return nil, fmt.Errorf("%w: missing transaction log", ErrInvalidConfig)
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("%w: missing worker id", ErrInvalidConfig)
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		ledger:    cfg.Ledger,
		transfers: cfg.Transfers,
		txlog:     cfg.TxLog,
		executor:  cfg.Executor,
		events:    cfg.Events,
		workerID:  cfg.WorkerID,
		claimTTL:  cfg.ClaimTTL,
		batch:     cfg.BatchSize,
		log:       cfg.Log,
		now:       cfg.Now,
	}, nil
}

// Schedule locks amount on the sender and records a pending transfer. The
// lock happens first: a transfer only ever exists with its funds reserved.
func (s *Service) Schedule(ctx context.Context, sender, recipient common.Address, asset string, amount decimal.Decimal, executeAt time.Time, chainNative bool) (Transfer, error) {
	asset, err := ledger.NormalizeAsset(asset)
	if err != nil {
		return Transfer{}, err
	}
	t := Transfer{
		ID:          uuid.New(),
		Sender:      sender,
		Recipient:   recipient,
		Asset:       asset,
		Amount:      amount,
		ExecuteAt:   executeAt.UTC(),
		ChainNative: chainNative,
		Status:      StatusPending,
		CreatedAt:   s.now().UTC(),
	}
	if err := t.Validate(); err != nil {
		return Transfer{}, err
	}

	if err := s.ledger.Lock(ctx, sender, asset, amount); err != nil {
		return Transfer{}, err
	}
	if err := s.transfers.Create(ctx, t); err != nil {
		// Undo the reservation; a transfer that was never recorded must not
		// hold funds.
		if rerr := s.ledger.Release(ctx, sender, asset, amount); rerr != nil {
			s.log.Error("release lock after failed create", "transfer", t.ID, "err", rerr)
		}
		return Transfer{}, err
	}

	s.events.Publish(ctx, events.KindTransferScheduled, sender, asset, amount, t.ID.String())
	return t, nil
}

// Cancel transitions a pending transfer to retrieved and returns the locked
// funds to the sender. Only the sender may cancel. A transfer claimed by a
// live execution sweep cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, requester common.Address) (Transfer, error) {
	t, err := s.transfers.Get(ctx, id)
	if err != nil {
		return Transfer{}, err
	}
	if t.Sender != requester {
		return Transfer{}, ErrNotSender
	}

	// The status transition is the exclusivity point: once retrieved, no
	// sweep can execute this transfer.
	if err := s.transfers.MarkRetrieved(ctx, id); err != nil {
		return Transfer{}, err
	}
	if err := s.ledger.Release(ctx, t.Sender, t.Asset, t.Amount); err != nil {
		s.log.Error("release cancelled transfer funds", "transfer", id, "err", err)
		return Transfer{}, err
	}

	t.Status = StatusRetrieved
	s.events.Publish(ctx, events.KindTransferCancelled, t.Sender, t.Asset, t.Amount, id.String())
	return t, nil
}

// Get returns one transfer.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Transfer, error) {
	return s.transfers.Get(ctx, id)
}

// ListBySender returns the sender's transfers, optionally filtered by status.
func (s *Service) ListBySender(ctx context.Context, sender common.Address, status Status) ([]Transfer, error) {
	return s.transfers.ListBySender(ctx, sender, status)
}

// ExecuteDue claims a batch of due transfers and executes each one. Failures
// are isolated per transfer: a failed settlement releases its claim for a
// later sweep and does not stop the batch. Returns the number executed.
func (s *Service) ExecuteDue(ctx context.Context) (int, error) {
	claimed, err := s.transfers.ClaimDue(ctx, s.workerID, s.claimTTL, s.batch)
	if err != nil {
		return 0, err
	}

	executed := 0
	for _, t := range claimed {
		if s.executeOne(ctx, t) {
			executed++
		}
	}
	return executed, nil
}

func (s *Service) executeOne(ctx context.Context, t Transfer) bool {
	if t.ChainNative {
		if s.executor == nil {
			s.log.Error("no chain executor configured", "transfer", t.ID)
			s.releaseClaim(ctx, t.ID)
			return false
		}
		txHash, err := s.executor.ExecuteTransfer(ctx, IdempotencyKey(t.ID))
		if err != nil {
			// The on-chain call is keyed by the transfer's idempotency key,
			// so a later retry cannot settle twice.
			s.log.Error("settle transfer on chain", "transfer", t.ID, "err", err)
			s.releaseClaim(ctx, t.ID)
			return false
		}
		s.log.Info("settled transfer on chain", "transfer", t.ID, "tx", txHash.Hex())
	}

	if err := s.ledger.FinalizeLocked(ctx, t.Sender, t.Recipient, t.Asset, t.Amount); err != nil {
		s.log.Error("finalize locked funds", "transfer", t.ID, "err", err)
		s.releaseClaim(ctx, t.ID)
		return false
	}
	if err := s.transfers.MarkExecuted(ctx, t.ID, s.workerID); err != nil {
		// Funds already moved. Keep the claim so no other worker re-executes
		// before the lease expires and the stuck transfer gets noticed.
		s.log.Error("mark transfer executed", "transfer", t.ID, "err", err)
		return false
	}

	_, err := s.txlog.Append(ctx, txlog.Record{
		Owner:       t.Sender,
		AssetType:   "custodial",
		Direction:   txlog.DirectionTransfer,
		Asset:       t.Asset,
		Amount:      t.Amount,
		ExternalRef: "transfer:" + t.ID.String(),
		Status:      string(StatusExecuted),
		Origin:      "scheduler",
	})
	if err != nil {
		// The balances already moved; the audit entry is write-once by ref,
		// so log and keep going.
		s.log.Error("append transfer audit record", "transfer", t.ID, "err", err)
	}

	s.events.Publish(ctx, events.KindTransferExecuted, t.Sender, t.Asset, t.Amount, t.ID.String())
	return true
}

func (s *Service) releaseClaim(ctx context.Context, id uuid.UUID) {
	if err := s.transfers.ReleaseClaim(ctx, id, s.workerID); err != nil {
		s.log.Error("release transfer claim", "transfer", id, "err", err)
	}
}
