package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTestTransfer(executeAt time.Time) Transfer {
	return Transfer{
		ID:        uuid.New(),
		Sender:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Recipient: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Asset:     "BTC",
		Amount:    decimal.RequireFromString("1.5"),
		ExecuteAt: executeAt,
		Status:    StatusPending,
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })

	tr := newTestTransfer(now.Add(time.Hour))
	if err := s.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, tr); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("duplicate Create err = %v, want ErrInvalidTransition", err)
	}

	got, err := s.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending || !got.Amount.Equal(tr.Amount) {
		t.Fatalf("unexpected transfer: %+v", got)
	}

	if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestClaimDueSkipsFutureAndForeignClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })

	due := newTestTransfer(now.Add(-time.Minute))
	future := newTestTransfer(now.Add(time.Hour))
	for _, tr := range []Transfer{due, future} {
		if err := s.Create(ctx, tr); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	claimed, err := s.ClaimDue(ctx, "worker-a", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("claimed = %v, want only the due transfer", claimed)
	}

	// Another worker cannot claim while the lease is live.
	claimed, err = s.ClaimDue(ctx, "worker-b", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("worker-b claimed %d transfers during live lease", len(claimed))
	}

	// The holder re-claims and extends.
	claimed, err = s.ClaimDue(ctx, "worker-a", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("holder re-claim got %d transfers, want 1", len(claimed))
	}
}

func TestClaimExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })

	tr := newTestTransfer(now.Add(-time.Minute))
	if err := s.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ClaimDue(ctx, "worker-a", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	now = now.Add(2 * time.Minute)
	claimed, err := s.ClaimDue(ctx, "worker-b", time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expired claim not stolen: got %d transfers", len(claimed))
	}

	// The original holder's terminal transition is refused.
	if err := s.MarkExecuted(ctx, tr.ID, "worker-a"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stale holder MarkExecuted err = %v, want ErrInvalidTransition", err)
	}
	if err := s.MarkExecuted(ctx, tr.ID, "worker-b"); err != nil {
		t.Fatalf("holder MarkExecuted: %v", err)
	}
}

func TestMarkRetrievedRefusesLiveClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })

	tr := newTestTransfer(now.Add(-time.Minute))
	if err := s.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.ClaimDue(ctx, "worker-a", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	if err := s.MarkRetrieved(ctx, tr.ID); !errors.Is(err, ErrClaimed) {
		t.Fatalf("MarkRetrieved under claim err = %v, want ErrClaimed", err)
	}

	if err := s.ReleaseClaim(ctx, tr.ID, "worker-a"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	if err := s.MarkRetrieved(ctx, tr.ID); err != nil {
		t.Fatalf("MarkRetrieved after release: %v", err)
	}

	// Terminal: neither path can act again.
	if err := s.MarkRetrieved(ctx, tr.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second MarkRetrieved err = %v, want ErrNotPending", err)
	}
	if _, err := s.ClaimDue(ctx, "worker-a", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if err := s.MarkExecuted(ctx, tr.ID, "worker-a"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("MarkExecuted after retrieve err = %v, want ErrNotPending", err)
	}
}

func TestListBySenderFiltersStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })

	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	a := newTestTransfer(now.Add(-time.Minute))
	b := newTestTransfer(now.Add(time.Hour))
	other := newTestTransfer(now)
	other.Sender = common.HexToAddress("0x3333333333333333333333333333333333333333")
	for _, tr := range []Transfer{a, b, other} {
		if err := s.Create(ctx, tr); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	if _, err := s.ClaimDue(ctx, "worker-a", time.Minute, 10); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if err := s.MarkExecuted(ctx, a.ID, "worker-a"); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}

	pending, err := s.ListBySender(ctx, sender, StatusPending)
	if err != nil {
		t.Fatalf("ListBySender: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("pending = %v, want only the future transfer", pending)
	}

	all, err := s.ListBySender(ctx, sender, "")
	if err != nil {
		t.Fatalf("ListBySender: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d transfers, want 2", len(all))
	}
}

func TestListBySenderOrdersByExecuteAt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })

	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")

	// Created first, but executes last.
	late := newTestTransfer(now.Add(3 * time.Hour))
	soon := newTestTransfer(now.Add(time.Hour))
	mid := newTestTransfer(now.Add(2 * time.Hour))
	for _, tr := range []Transfer{late, soon, mid} {
		if err := s.Create(ctx, tr); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	pending, err := s.ListBySender(ctx, sender, StatusPending)
	if err != nil {
		t.Fatalf("ListBySender: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d transfers, want 3", len(pending))
	}
	want := []uuid.UUID{soon.ID, mid.ID, late.ID}
	for i, tr := range pending {
		if tr.ID != want[i] {
			t.Fatalf("pending[%d] = %s executing %s, want %s", i, tr.ID, tr.ExecuteAt, want[i])
		}
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	if IdempotencyKey(id) != IdempotencyKey(id) {
		t.Fatal("idempotency key is not deterministic")
	}
	if IdempotencyKey(id) == IdempotencyKey(uuid.New()) {
		t.Fatal("distinct transfers share an idempotency key")
	}
	if IdempotencyKey(id) == ([32]byte{}) {
		t.Fatal("idempotency key is zero")
	}
}
