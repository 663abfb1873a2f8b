package txlog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory transaction log for unit tests and the memory
// store driver. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  int64
	records []Record
	refs    map[string]struct{}
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		nextID: 1,
		refs:   make(map[string]struct{}),
	}
}

func (s *MemoryStore) Append(_ context.Context, r Record) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := strings.TrimSpace(r.ExternalRef)
	if ref != "" {
		if _, ok := s.refs[ref]; ok {
			return false, nil
		}
		s.refs[ref] = struct{}{}
	}

	r.ExternalRef = ref
	r.ID = s.nextID
	s.nextID++
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	s.records = append(s.records, r)
	return true, nil
}

func (s *MemoryStore) HasExternalRef(_ context.Context, ref string) (bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.refs[ref]
	return ok, nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner common.Address, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].Owner == owner {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
