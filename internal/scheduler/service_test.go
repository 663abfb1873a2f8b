package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/ledger"
	"github.com/walletmesh/custody-ledger/internal/txlog"
)

type fakeExecutor struct {
	calls []([32]byte)
	err   error
}

func (f *fakeExecutor) ExecuteTransfer(_ context.Context, key [32]byte) (common.Hash, error) {
	f.calls = append(f.calls, key)
	if f.err != nil {
		return common.Hash{}, f.err
	}
	return common.HexToHash("0xabc123"), nil
}

type serviceFixture struct {
	svc    *Service
	ledger *ledger.MemoryStore
	store  *MemoryStore
	txlog  *txlog.MemoryStore
	exec   *fakeExecutor
	now    *time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }

	f := &serviceFixture{
		ledger: ledger.NewMemoryStore(),
		store:  NewMemoryStore(nowFn),
		txlog:  txlog.NewMemoryStore(nowFn),
		exec:   &fakeExecutor{},
		now:    &now,
	}
	svc, err := NewService(ServiceConfig{
		Ledger:    f.ledger,
		Transfers: f.store,
		TxLog:     f.txlog,
		Executor:  f.exec,
		WorkerID:  "sweeper-test",
		ClaimTTL:  time.Minute,
		BatchSize: 16,
		Now:       nowFn,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

var (
	alice = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func mustBalance(t *testing.T, s ledger.Store, owner common.Address, asset string) ledger.Balance {
	t.Helper()
	b, err := s.BalanceOf(context.Background(), owner, asset)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return b
}

func TestScheduleLocksSenderFunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newServiceFixture(t)

	if err := f.ledger.Credit(ctx, alice, "BTC", decimal.RequireFromString("10")); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	tr, err := f.svc.Schedule(ctx, alice, bob, "btc", decimal.RequireFromString("4"), f.now.Add(time.Hour), false)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if tr.Status != StatusPending || tr.Asset != "BTC" {
		t.Fatalf("unexpected transfer: %+v", tr)
	}

	b := mustBalance(t, f.ledger, alice, "BTC")
	if !b.Available.Equal(decimal.RequireFromString("6")) || !b.Locked.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("sender balance = %s/%s, want 6 available 4 locked", b.Available, b.Locked)
	}

	// Insufficient available funds refuse the schedule before any record.
	_, err = f.svc.Schedule(ctx, alice, bob, "BTC", decimal.RequireFromString("7"), f.now.Add(time.Hour), false)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("overdraw Schedule err = %v, want ErrInsufficientFunds", err)
	}
	if got, err := f.store.ListBySender(ctx, alice, ""); err != nil || len(got) != 1 {
		t.Fatalf("transfers = %v (%v), want exactly the first one", got, err)
	}
}

func TestCancelReturnsFunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newServiceFixture(t)

	if err := f.ledger.Credit(ctx, alice, "BTC", decimal.RequireFromString("10")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	tr, err := f.svc.Schedule(ctx, alice, bob, "BTC", decimal.RequireFromString("4"), f.now.Add(time.Hour), false)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if _, err := f.svc.Cancel(ctx, tr.ID, bob); !errors.Is(err, ErrNotSender) {
		t.Fatalf("Cancel by non-sender err = %v, want ErrNotSender", err)
	}

	got, err := f.svc.Cancel(ctx, tr.ID, alice)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusRetrieved {
		t.Fatalf("status = %s, want retrieved", got.Status)
	}

	b := mustBalance(t, f.ledger, alice, "BTC")
	if !b.Available.Equal(decimal.RequireFromString("10")) || !b.Locked.IsZero() {
		t.Fatalf("sender balance = %s/%s, want 10 available 0 locked", b.Available, b.Locked)
	}

	// Cancelling twice is a conflict, not a second refund.
	if _, err := f.svc.Cancel(ctx, tr.ID, alice); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second Cancel err = %v, want ErrNotPending", err)
	}
}

func TestExecuteDueMovesLockedFunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newServiceFixture(t)

	if err := f.ledger.Credit(ctx, alice, "BTC", decimal.RequireFromString("10")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	tr, err := f.svc.Schedule(ctx, alice, bob, "BTC", decimal.RequireFromString("4"), f.now.Add(-time.Minute), false)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	n, err := f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("executed = %d, want 1", n)
	}

	sb := mustBalance(t, f.ledger, alice, "BTC")
	rb := mustBalance(t, f.ledger, bob, "BTC")
	if !sb.Available.Equal(decimal.RequireFromString("6")) || !sb.Locked.IsZero() {
		t.Fatalf("sender balance = %s/%s", sb.Available, sb.Locked)
	}
	if !rb.Available.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("recipient available = %s, want 4", rb.Available)
	}

	got, err := f.svc.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExecuted {
		t.Fatalf("status = %s, want executed", got.Status)
	}

	// The audit record landed with the transfer's idempotency ref.
	ok, err := f.txlog.HasExternalRef(ctx, "transfer:"+tr.ID.String())
	if err != nil || !ok {
		t.Fatalf("HasExternalRef = %v, %v, want true", ok, err)
	}

	// A second sweep finds nothing.
	n, err = f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep executed %d transfers, want 0", n)
	}
	rb = mustBalance(t, f.ledger, bob, "BTC")
	if !rb.Available.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("recipient available after second sweep = %s, want 4", rb.Available)
	}
}

func TestExecuteDueChainNative(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newServiceFixture(t)

	if err := f.ledger.Credit(ctx, alice, "ETH", decimal.RequireFromString("10")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	tr, err := f.svc.Schedule(ctx, alice, bob, "ETH", decimal.RequireFromString("1"), f.now.Add(-time.Minute), true)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	n, err := f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("executed = %d, want 1", n)
	}
	if len(f.exec.calls) != 1 || f.exec.calls[0] != IdempotencyKey(tr.ID) {
		t.Fatalf("executor calls = %v, want one call with the transfer's key", f.exec.calls)
	}
}

func TestExecuteDueSettlementFailureKeepsFundsLocked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newServiceFixture(t)
	f.exec.err = errors.New("rpc: connection refused")

	if err := f.ledger.Credit(ctx, alice, "ETH", decimal.RequireFromString("10")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := f.svc.Schedule(ctx, alice, bob, "ETH", decimal.RequireFromString("1"), f.now.Add(-time.Minute), true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	n, err := f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue: %v", err)
	}
	if n != 0 {
		t.Fatalf("executed = %d, want 0", n)
	}

	b := mustBalance(t, f.ledger, alice, "ETH")
	if !b.Locked.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("sender locked = %s, want 1 after failed settlement", b.Locked)
	}

	// The claim was released, so a later sweep retries with the same key.
	f.exec.err = nil
	n, err = f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("retry executed = %d, want 1", n)
	}
	if len(f.exec.calls) != 2 || f.exec.calls[0] != f.exec.calls[1] {
		t.Fatalf("retry used a different idempotency key: %v", f.exec.calls)
	}
}

func TestCancelExecuteRaceExclusivity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newServiceFixture(t)

	if err := f.ledger.Credit(ctx, alice, "BTC", decimal.RequireFromString("10")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	tr, err := f.svc.Schedule(ctx, alice, bob, "BTC", decimal.RequireFromString("4"), f.now.Add(-time.Minute), false)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// The sweep claims the transfer (as if mid-execution), then the sender
	// tries to cancel: the cancel must lose.
	if _, err := f.store.ClaimDue(ctx, "sweeper-test", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, tr.ID, alice); !errors.Is(err, ErrClaimed) {
		t.Fatalf("Cancel during claim err = %v, want ErrClaimed", err)
	}

	// The sweep finishes; cancel now reports the terminal state.
	n, err := f.svc.ExecuteDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExecuteDue = %d, %v", n, err)
	}
	if _, err := f.svc.Cancel(ctx, tr.ID, alice); !errors.Is(err, ErrNotPending) {
		t.Fatalf("Cancel after execute err = %v, want ErrNotPending", err)
	}

	// Exactly one movement happened.
	sb := mustBalance(t, f.ledger, alice, "BTC")
	rb := mustBalance(t, f.ledger, bob, "BTC")
	if !sb.Available.Equal(decimal.RequireFromString("6")) || !sb.Locked.IsZero() {
		t.Fatalf("sender balance = %s/%s", sb.Available, sb.Locked)
	}
	if !rb.Available.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("recipient available = %s", rb.Available)
	}
}
