package coord

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements LeaseStore and CheckpointStore in memory for unit
// tests and single-process deployments. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	leases   map[string]Lease
	lastRuns map[string]time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		leases:   make(map[string]Lease),
		lastRuns: make(map[string]time.Time),
	}
}

func (s *MemoryStore) TryAcquire(_ context.Context, task, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validateLease(task, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.leases[task]
	if !ok || !l.ExpiresAt.After(now) {
		out := Lease{Task: task, Owner: owner, ExpiresAt: now.Add(ttl)}
		s.leases[task] = out
		return out, true, nil
	}
	return l, false, nil
}

func (s *MemoryStore) Renew(_ context.Context, task, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := validateLease(task, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[task]
	if !ok {
		return Lease{}, false, ErrNotFound
	}
	if l.Owner != owner {
		return Lease{}, false, ErrNotOwner
	}

	out := Lease{Task: task, Owner: owner, ExpiresAt: s.now().Add(ttl)}
	s.leases[task] = out
	return out, true, nil
}

func (s *MemoryStore) Release(_ context.Context, task, owner string) error {
	if task == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[task]
	if !ok {
		return nil
	}
	if l.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, task)
	return nil
}

func (s *MemoryStore) SetLastRun(_ context.Context, task string, at time.Time) error {
	if task == "" || at.IsZero() {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRuns[task] = at.UTC()
	return nil
}

func (s *MemoryStore) LastRun(_ context.Context, task string) (time.Time, error) {
	if task == "" {
		return time.Time{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.lastRuns[task]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return at, nil
}

var (
	_ LeaseStore      = (*MemoryStore)(nil)
	_ CheckpointStore = (*MemoryStore)(nil)
)
