package coord

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_LeaseLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	l, ok, err := s.TryAcquire(ctx, "deposit-scan", "a", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if l.Owner != "a" || !l.ExpiresAt.Equal(now.Add(30*time.Second)) {
		t.Fatalf("lease mismatch: %+v", l)
	}

	// Held lease cannot be taken.
	if _, ok, err := s.TryAcquire(ctx, "deposit-scan", "b", 30*time.Second); err != nil || ok {
		t.Fatalf("expected acquire to fail while held: ok=%v err=%v", ok, err)
	}

	// Owner renews; non-owner cannot.
	now = now.Add(10 * time.Second)
	if _, ok, err := s.Renew(ctx, "deposit-scan", "a", 30*time.Second); err != nil || !ok {
		t.Fatalf("renew by owner: ok=%v err=%v", ok, err)
	}
	if _, _, err := s.Renew(ctx, "deposit-scan", "b", 30*time.Second); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner on foreign renew, got %v", err)
	}

	// Steal after expiry.
	now = now.Add(31 * time.Second)
	if _, ok, err := s.TryAcquire(ctx, "deposit-scan", "b", 30*time.Second); err != nil || !ok {
		t.Fatalf("steal after expiry: ok=%v err=%v", ok, err)
	}

	// Release is owner-checked and idempotent.
	if err := s.Release(ctx, "deposit-scan", "a"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner on foreign release, got %v", err)
	}
	if err := s.Release(ctx, "deposit-scan", "b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Release(ctx, "deposit-scan", "b"); err != nil {
		t.Fatalf("repeat release: %v", err)
	}
}

func TestMemoryStore_Checkpoints(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()

	if _, err := s.LastRun(ctx, "transfer-sweep"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first run, got %v", err)
	}

	at := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)
	if err := s.SetLastRun(ctx, "transfer-sweep", at); err != nil {
		t.Fatalf("SetLastRun: %v", err)
	}
	got, err := s.LastRun(ctx, "transfer-sweep")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("last run: got %v want %v", got, at)
	}

	if err := s.SetLastRun(ctx, "", at); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
