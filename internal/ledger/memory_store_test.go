package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ownerA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	ownerB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestMemoryStore_CreditDebitRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Credit(ctx, ownerA, "btc", dec(t, "1.5")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := s.Debit(ctx, ownerA, "BTC", dec(t, "0.5")); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	b, err := s.BalanceOf(ctx, ownerA, "BTC")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if !b.Available.Equal(dec(t, "1")) {
		t.Fatalf("available: got %s want 1", b.Available)
	}
	if !b.Locked.IsZero() {
		t.Fatalf("locked: got %s want 0", b.Locked)
	}

	// Asset symbols are case-insensitive at the boundary.
	got, err := s.BalancesOf(ctx, ownerA)
	if err != nil {
		t.Fatalf("BalancesOf: %v", err)
	}
	if len(got) != 1 || !got["BTC"].Equal(dec(t, "1")) {
		t.Fatalf("balances: got %v", got)
	}
}

func TestMemoryStore_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Credit(ctx, ownerA, "BTC", decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := s.Credit(ctx, ownerA, "BTC", dec(t, "-1")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if err := s.Credit(ctx, ownerA, "", dec(t, "1")); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
	if err := s.Debit(ctx, ownerA, "BTC", dec(t, "1")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds on empty row, got %v", err)
	}
	if err := s.Release(ctx, ownerA, "BTC", dec(t, "1")); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation on release without lock, got %v", err)
	}
}

func TestMemoryStore_LockReleaseFinalize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Credit(ctx, ownerA, "ETH", dec(t, "10")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := s.Lock(ctx, ownerA, "ETH", dec(t, "4")); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	b, err := s.BalanceOf(ctx, ownerA, "ETH")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if !b.Available.Equal(dec(t, "6")) || !b.Locked.Equal(dec(t, "4")) {
		t.Fatalf("after lock: available=%s locked=%s", b.Available, b.Locked)
	}

	// Locked funds are not spendable.
	if err := s.Debit(ctx, ownerA, "ETH", dec(t, "7")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for locked funds, got %v", err)
	}

	if err := s.Release(ctx, ownerA, "ETH", dec(t, "1")); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.FinalizeLocked(ctx, ownerA, ownerB, "ETH", dec(t, "3")); err != nil {
		t.Fatalf("FinalizeLocked: %v", err)
	}

	a, err := s.BalanceOf(ctx, ownerA, "ETH")
	if err != nil {
		t.Fatalf("BalanceOf A: %v", err)
	}
	if !a.Available.Equal(dec(t, "7")) || !a.Locked.IsZero() {
		t.Fatalf("sender after finalize: available=%s locked=%s", a.Available, a.Locked)
	}
	rb, err := s.BalanceOf(ctx, ownerB, "ETH")
	if err != nil {
		t.Fatalf("BalanceOf B: %v", err)
	}
	if !rb.Available.Equal(dec(t, "3")) {
		t.Fatalf("recipient after finalize: available=%s", rb.Available)
	}

	// Finalizing more than is locked must not move anything.
	if err := s.FinalizeLocked(ctx, ownerA, ownerB, "ETH", dec(t, "1")); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

// Sender and recipient can be the same owner; the finalize must still
// conserve value rather than double-count the shared row.
func TestMemoryStore_FinalizeLockedToSelf(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Credit(ctx, ownerA, "ETH", dec(t, "10")); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := s.Lock(ctx, ownerA, "ETH", dec(t, "4")); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := s.FinalizeLocked(ctx, ownerA, ownerA, "ETH", dec(t, "4")); err != nil {
		t.Fatalf("FinalizeLocked: %v", err)
	}

	b, err := s.BalanceOf(ctx, ownerA, "ETH")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if !b.Available.Equal(dec(t, "10")) || !b.Locked.IsZero() {
		t.Fatalf("after self finalize: available=%s locked=%s, want 10/0", b.Available, b.Locked)
	}
}

// Conservation: internal operations move value around but never create or
// destroy it, under any interleaving of concurrent callers.
func TestMemoryStore_ConservationUnderConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	const workers = 16
	const rounds = 50

	seed := dec(t, "100")
	if err := s.Credit(ctx, ownerA, "BTC", seed); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	one := dec(t, "1")
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				switch w % 4 {
				case 0:
					_ = s.Debit(ctx, ownerA, "BTC", one)
				case 1:
					if err := s.Lock(ctx, ownerA, "BTC", one); err == nil {
						_ = s.Release(ctx, ownerA, "BTC", one)
					}
				case 2:
					if err := s.Lock(ctx, ownerA, "BTC", one); err == nil {
						_ = s.FinalizeLocked(ctx, ownerA, ownerB, "BTC", one)
					}
				case 3:
					_ = s.Debit(ctx, ownerB, "BTC", one)
				}
			}
		}(w)
	}
	wg.Wait()

	a, err := s.BalanceOf(ctx, ownerA, "BTC")
	if err != nil {
		t.Fatalf("BalanceOf A: %v", err)
	}
	b, err := s.BalanceOf(ctx, ownerB, "BTC")
	if err != nil {
		t.Fatalf("BalanceOf B: %v", err)
	}

	for _, bal := range []Balance{a, b} {
		if bal.Available.Sign() < 0 || bal.Locked.Sign() < 0 {
			t.Fatalf("negative balance: %+v", bal)
		}
	}

	// Debits destroy value by design (they model value leaving the ledger);
	// everything remaining must still be <= what was seeded and >= 0.
	total := a.Available.Add(a.Locked).Add(b.Available).Add(b.Locked)
	if total.GreaterThan(seed) {
		t.Fatalf("value created from nothing: total=%s seed=%s", total, seed)
	}
	if total.Sign() < 0 {
		t.Fatalf("negative total: %s", total)
	}
}

// Two concurrent debits must never both observe sufficient funds.
func TestMemoryStore_NoOverdraw(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Credit(ctx, ownerA, "SOL", dec(t, "1")); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Debit(ctx, ownerA, "SOL", dec(t, "1"))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one successful debit, got %d", won)
	}

	b, err := s.BalanceOf(ctx, ownerA, "SOL")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if !b.Available.IsZero() {
		t.Fatalf("available after drain: %s", b.Available)
	}
}
