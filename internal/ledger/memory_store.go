package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type balanceKey struct {
	owner common.Address
	asset string
}

// MemoryStore is an in-memory ledger intended for unit tests and the
// memory store driver. One mutex covers every mutation, so the
// check-and-write of each operation is a single critical section.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[balanceKey]Balance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]Balance),
	}
}

func (s *MemoryStore) Credit(_ context.Context, owner common.Address, asset string, amount decimal.Decimal) error {
	asset, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := balanceKey{owner: owner, asset: asset}
	b := s.row(k)
	b.Available = b.Available.Add(amount)
	s.balances[k] = b
	return nil
}

func (s *MemoryStore) Debit(_ context.Context, owner common.Address, asset string, amount decimal.Decimal) error {
	asset, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := balanceKey{owner: owner, asset: asset}
	b := s.row(k)
	if b.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	b.Available = b.Available.Sub(amount)
	s.balances[k] = b
	return nil
}

func (s *MemoryStore) Lock(_ context.Context, owner common.Address, asset string, amount decimal.Decimal) error {
	asset, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := balanceKey{owner: owner, asset: asset}
	b := s.row(k)
	if b.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	s.balances[k] = b
	return nil
}

func (s *MemoryStore) Release(_ context.Context, owner common.Address, asset string, amount decimal.Decimal) error {
	asset, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := balanceKey{owner: owner, asset: asset}
	b := s.row(k)
	if b.Locked.LessThan(amount) {
		return ErrInvariantViolation
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
	s.balances[k] = b
	return nil
}

func (s *MemoryStore) FinalizeLocked(_ context.Context, sender, recipient common.Address, asset string, amount decimal.Decimal) error {
	asset, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if err := ValidateAmount(amount); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sk := balanceKey{owner: sender, asset: asset}
	sb := s.row(sk)
	if sb.Locked.LessThan(amount) {
		return ErrInvariantViolation
	}

	rk := balanceKey{owner: recipient, asset: asset}
	if rk == sk {
		// Self-finalize shares a row: move locked back to available.
		sb.Locked = sb.Locked.Sub(amount)
		sb.Available = sb.Available.Add(amount)
		s.balances[sk] = sb
		return nil
	}
	rb := s.row(rk)

	sb.Locked = sb.Locked.Sub(amount)
	rb.Available = rb.Available.Add(amount)
	s.balances[sk] = sb
	s.balances[rk] = rb
	return nil
}

func (s *MemoryStore) BalanceOf(_ context.Context, owner common.Address, asset string) (Balance, error) {
	asset, err := NormalizeAsset(asset)
	if err != nil {
		return Balance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.row(balanceKey{owner: owner, asset: asset}), nil
}

func (s *MemoryStore) BalancesOf(_ context.Context, owner common.Address) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]decimal.Decimal)
	for k, b := range s.balances {
		if k.owner != owner {
			continue
		}
		out[k.asset] = b.Available
	}
	return out, nil
}

// row returns the current balance or a zero-valued one for absent keys.
// Callers hold s.mu.
func (s *MemoryStore) row(k balanceKey) Balance {
	if b, ok := s.balances[k]; ok {
		return b
	}
	return Balance{
		Owner:     k.owner,
		Asset:     k.asset,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
	}
}

var _ Store = (*MemoryStore)(nil)
