package fees

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory fee store, safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	percents  map[string]decimal.Decimal
	collected map[string]decimal.Decimal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		percents:  make(map[string]decimal.Decimal),
		collected: make(map[string]decimal.Decimal),
	}
}

func (s *MemoryStore) SetPercent(_ context.Context, asset string, percent decimal.Decimal) error {
	asset, err := normalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := ValidatePercent(percent); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.percents[asset] = percent
	return nil
}

func (s *MemoryStore) Percent(_ context.Context, asset string) (decimal.Decimal, error) {
	asset, err := normalizeAsset(asset)
	if err != nil {
		return decimal.Decimal{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.percents[asset]; ok {
		return p, nil
	}
	return decimal.Zero, nil
}

func (s *MemoryStore) AddCollected(_ context.Context, asset string, amount decimal.Decimal) error {
	asset, err := normalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return ErrInvalidFeePercent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.collected[asset] = s.collected[asset].Add(amount)
	return nil
}

func (s *MemoryStore) CollectedTotals(_ context.Context) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(s.collected))
	for asset, total := range s.collected {
		out[asset] = total
	}
	return out, nil
}

func (s *MemoryStore) ResetCollected(_ context.Context, asset string) error {
	asset, err := normalizeAsset(asset)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collected, asset)
	return nil
}

var _ Store = (*MemoryStore)(nil)
