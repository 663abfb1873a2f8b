package reconciler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/walletmesh/custody-ledger/internal/blobstore"
	"github.com/walletmesh/custody-ledger/internal/coord"
	"github.com/walletmesh/custody-ledger/internal/custody"
	"github.com/walletmesh/custody-ledger/internal/derive"
	"github.com/walletmesh/custody-ledger/internal/events"
	"github.com/walletmesh/custody-ledger/internal/ledger"
	"github.com/walletmesh/custody-ledger/internal/owners"
	"github.com/walletmesh/custody-ledger/internal/txlog"
)

var (
	ErrInvalidConfig       = errors.New("reconciler: invalid config")
	ErrInvalidNotification = errors.New("reconciler: invalid notification")
)

// CheckpointTask names the scan checkpoint row shared by all scanner replicas.
const CheckpointTask = "deposit-scan"

// Notification is a push-path deposit signal, from the provider webhook or
// the notification queue.
type Notification struct {
	AccountID string `json:"accountId"`
	// Ref is the provider's transaction reference. Optional: payloads
	// without one get a deterministic reference derived from the payload.
	Ref    string          `json:"reference"`
	Amount decimal.Decimal `json:"amount"`
	// AssetSymbol is optional; when present it must agree with the asset
	// encoded in the account id.
	AssetSymbol string `json:"assetSymbol,omitempty"`
	SourceIP    string `json:"-"`
}

func (n Notification) Validate() error {
	if strings.TrimSpace(n.AccountID) == "" {
		return fmt.Errorf("%w: missing account id", ErrInvalidNotification)
	}
	if n.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidNotification)
	}
	return nil
}

// payloadRef derives a stable reference for notifications that carry none.
// Providers that send only {accountId, amount, assetSymbol} still get
// replay protection: resending the same payload yields the same ref.
func (n Notification) payloadRef() string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("deposit-notification"))
	h.Write([]byte(n.AccountID))
	h.Write([]byte(n.Amount.String()))
	return "payload-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// DecodeNotification parses a queue payload.
func DecodeNotification(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return n, nil
}

// Report summarizes one scan pass. It is written to the blob store so a
// reconciliation run can be audited after the fact.
type Report struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Owners     int       `json:"owners"`
	Accounts   int       `json:"accounts"`
	Credited   int       `json:"credited"`
	Duplicates int       `json:"duplicates"`
	Failures   []string  `json:"failures,omitempty"`
}

type Config struct {
	Ledger   ledger.Store
	TxLog    txlog.Store
	Resolver *derive.Resolver
	Owners   owners.Registry
	Provider custody.Provider

	// Assets are the custody assets every owner is scanned for.
	Assets []string

	// PageSize caps transactions fetched per account per scan.
	PageSize int

	// Events is optional.
	Events *events.Publisher

	// Reports is optional; when set, every scan writes its report there.
	Reports blobstore.Store

	// Checkpoints is optional; when set, ScanOnce records its completion.
	Checkpoints coord.CheckpointStore

	Log *slog.Logger
	Now func() time.Time
}

// Service credits provider deposits into the ledger, exactly once per
// external transaction reference, over both the push path (notifications)
// and the pull path (periodic account scans).
type Service struct {
	ledger      ledger.Store
	txlog       txlog.Store
	resolver    *derive.Resolver
	owners      owners.Registry
	provider    custody.Provider
	assets      []string
	pageSize    int
	events      *events.Publisher
	reports     blobstore.Store
	checkpoints coord.CheckpointStore
	log         *slog.Logger
	now         func() time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Ledger == nil || cfg.TxLog == nil || cfg.Resolver == nil || cfg.Owners == nil || cfg.Provider == nil {
		return nil, ErrInvalidConfig
	}
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("%w: no assets to scan", ErrInvalidConfig)
	}
	assets := make([]string, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		norm, err := ledger.NormalizeAsset(a)
		if err != nil {
			return nil, err
		}
		assets = append(assets, norm)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		ledger:      cfg.Ledger,
		txlog:       cfg.TxLog,
		resolver:    cfg.Resolver,
		owners:      cfg.Owners,
		provider:    cfg.Provider,
		assets:      assets,
		pageSize:    cfg.PageSize,
		events:      cfg.Events,
		reports:     cfg.Reports,
		checkpoints: cfg.Checkpoints,
		log:         cfg.Log,
		now:         cfg.Now,
	}, nil
}

// HandleNotification credits one pushed deposit. Replays of the same
// reference return credited=false with no balance change.
func (s *Service) HandleNotification(ctx context.Context, n Notification) (bool, error) {
	if err := n.Validate(); err != nil {
		return false, err
	}

	owner, err := s.resolver.ResolveOwner(ctx, n.AccountID)
	if err != nil {
		return false, err
	}
	asset, err := derive.AccountAsset(n.AccountID)
	if err != nil {
		return false, err
	}
	if n.AssetSymbol != "" {
		declared, err := ledger.NormalizeAsset(n.AssetSymbol)
		if err != nil {
			return false, err
		}
		if declared != asset {
			return false, fmt.Errorf("%w: asset %s does not match account %s", ErrInvalidNotification, declared, n.AccountID)
		}
	}

	ref := strings.TrimSpace(n.Ref)
	if ref == "" {
		ref = n.payloadRef()
	}
	return s.creditDeposit(ctx, owner, asset, n.Amount, ref, "webhook", n.SourceIP)
}

// ScanOnce walks every known owner's derived accounts and credits incoming
// payments the push path missed. Account failures are isolated: one broken
// account never stops the rest of the scan.
func (s *Service) ScanOnce(ctx context.Context) (Report, error) {
	report := Report{StartedAt: s.now().UTC()}

	known, err := s.owners.List(ctx)
	if err != nil {
		return report, fmt.Errorf("reconciler: list owners: %w", err)
	}
	report.Owners = len(known)

	for _, owner := range known {
		for _, asset := range s.assets {
			report.Accounts++
			if err := s.scanAccount(ctx, owner, asset, &report); err != nil {
				report.Failures = append(report.Failures, fmt.Sprintf("%s/%s: %v", owner.Hex(), asset, err))
				s.log.Error("scan custody account", "owner", owner.Hex(), "asset", asset, "err", err)
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
		}
	}

	report.FinishedAt = s.now().UTC()
	s.persistReport(ctx, report)

	if s.checkpoints != nil {
		if err := s.checkpoints.SetLastRun(ctx, CheckpointTask, report.FinishedAt); err != nil {
			s.log.Error("record scan checkpoint", "err", err)
		}
	}
	return report, nil
}

func (s *Service) scanAccount(ctx context.Context, owner common.Address, asset string, report *Report) error {
	accountID, err := s.resolver.Derive(ctx, owner, asset)
	if err != nil {
		return err
	}

	txs, err := s.provider.ListAccountTransactions(ctx, accountID, s.pageSize)
	if err != nil {
		return err
	}

	for _, tx := range txs {
		if !tx.IsIncomingPayment() {
			continue
		}
		if tx.Ref == "" || tx.Amount.Sign() <= 0 {
			continue
		}
		credited, err := s.creditDeposit(ctx, owner, asset, tx.Amount, tx.Ref, "scan", "")
		if err != nil {
			return err
		}
		if credited {
			report.Credited++
		} else {
			report.Duplicates++
		}
	}
	return nil
}

// creditDeposit applies one deposit at most once. The transaction log append
// is the gate: its reference uniqueness decides whether this call owns the
// credit.
func (s *Service) creditDeposit(ctx context.Context, owner common.Address, asset string, amount decimal.Decimal, ref, origin, sourceIP string) (bool, error) {
	inserted, err := s.txlog.Append(ctx, txlog.Record{
		Owner:       owner,
		AssetType:   "custodial",
		Direction:   txlog.DirectionDeposit,
		Asset:       asset,
		Amount:      amount,
		ExternalRef: "deposit:" + ref,
		Status:      "credited",
		SourceIP:    sourceIP,
		Origin:      origin,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if err := s.ledger.Credit(ctx, owner, asset, amount); err != nil {
		// The audit record exists but the balance did not move; surface the
		// reference so an operator can reconcile by hand.
		s.log.Error("credit recorded deposit", "owner", owner.Hex(), "asset", asset, "ref", ref, "err", err)
		return false, err
	}

	s.events.Publish(ctx, events.KindDepositCredited, owner, asset, amount, ref)
	return true, nil
}

func (s *Service) persistReport(ctx context.Context, report Report) {
	if s.reports == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		s.log.Error("marshal scan report", "err", err)
		return
	}
	key := blobstore.ReportKey(report.StartedAt)
	if err := s.reports.Put(ctx, key, payload); err != nil {
		s.log.Error("persist scan report", "key", key, "err", err)
	}
}
