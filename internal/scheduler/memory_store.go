package scheduler

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	transfers map[uuid.UUID]transferRec
}

type transferRec struct {
	t Transfer

	claimedBy      string
	claimExpiresAt time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		transfers: make(map[uuid.UUID]transferRec),
	}
}

func (s *MemoryStore) Create(_ context.Context, t Transfer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Status != StatusPending {
		return ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[t.ID]; ok {
		return ErrInvalidTransition
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	s.transfers[t.ID] = transferRec{t: t}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return rec.t, nil
}

func (s *MemoryStore) ListBySender(_ context.Context, sender common.Address, status Status) ([]Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transfer
	for _, rec := range s.transfers {
		if rec.t.Sender != sender {
			continue
		}
		if status != "" && rec.t.Status != status {
			continue
		}
		out = append(out, rec.t)
	}
	slices.SortFunc(out, func(a, b Transfer) int {
		if c := a.ExecuteAt.Compare(b.ExecuteAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, owner string, ttl time.Duration, limit int) ([]Transfer, error) {
	if owner == "" || ttl <= 0 || limit <= 0 {
		return nil, ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	ids := make([]uuid.UUID, 0, len(s.transfers))
	for id, rec := range s.transfers {
		if rec.t.Status != StatusPending {
			continue
		}
		if rec.t.ExecuteAt.After(now) {
			continue
		}
		// Skip transfers actively claimed by another worker.
		if rec.claimedBy != "" && rec.claimedBy != owner && rec.claimExpiresAt.After(now) {
			continue
		}
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })

	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]Transfer, 0, len(ids))
	for _, id := range ids {
		rec := s.transfers[id]
		rec.claimedBy = owner
		rec.claimExpiresAt = now.Add(ttl)
		s.transfers[id] = rec
		out = append(out, rec.t)
	}
	return out, nil
}

func (s *MemoryStore) MarkRetrieved(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.transfers[id]
	if !ok {
		return ErrNotFound
	}
	if rec.t.Status != StatusPending {
		return ErrNotPending
	}
	if rec.claimedBy != "" && rec.claimExpiresAt.After(s.now()) {
		return ErrClaimed
	}

	rec.t.Status = StatusRetrieved
	rec.claimedBy = ""
	rec.claimExpiresAt = time.Time{}
	s.transfers[id] = rec
	return nil
}

func (s *MemoryStore) MarkExecuted(_ context.Context, id uuid.UUID, owner string) error {
	return s.markFromPending(id, owner, StatusExecuted)
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, owner string) error {
	return s.markFromPending(id, owner, StatusFailed)
}

func (s *MemoryStore) markFromPending(id uuid.UUID, owner string, to Status) error {
	if owner == "" {
		return ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.transfers[id]
	if !ok {
		return ErrNotFound
	}
	if rec.t.Status != StatusPending {
		return ErrNotPending
	}
	if rec.claimedBy != owner || !rec.claimExpiresAt.After(s.now()) {
		return ErrInvalidTransition
	}

	rec.t.Status = to
	rec.claimedBy = ""
	rec.claimExpiresAt = time.Time{}
	s.transfers[id] = rec
	return nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, id uuid.UUID, owner string) error {
	if owner == "" {
		return ErrInvalidConfig
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.transfers[id]
	if !ok {
		return ErrNotFound
	}
	if rec.claimedBy != owner {
		return nil
	}

	rec.claimedBy = ""
	rec.claimExpiresAt = time.Time{}
	s.transfers[id] = rec
	return nil
}

var _ Store = (*MemoryStore)(nil)
