package derive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/walletmesh/custody-ledger/internal/owners"
)

var ErrOwnerNotFound = errors.New("derive: owner not found")

// IndexStore is the reverse index from account id to owner, populated at
// derivation time so resolution is O(1) instead of a recompute over every
// known owner.
type IndexStore interface {
	Put(ctx context.Context, accountID string, owner common.Address) error
	Get(ctx context.Context, accountID string) (common.Address, bool, error)
}

// Resolver derives account ids and resolves them back to owners. The index
// is authoritative; a miss falls back to recomputing the derivation over the
// owner registry, and a fallback hit heals the index.
type Resolver struct {
	deriver *Deriver
	index   IndexStore
	reg     owners.Registry
}

func NewResolver(deriver *Deriver, index IndexStore, reg owners.Registry) (*Resolver, error) {
	if deriver == nil || index == nil || reg == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidKey)
	}
	return &Resolver{deriver: deriver, index: index, reg: reg}, nil
}

// Derive computes the account id and records it in the reverse index and the
// owner registry.
func (r *Resolver) Derive(ctx context.Context, owner common.Address, asset string) (string, error) {
	accountID, err := r.deriver.Derive(owner, asset)
	if err != nil {
		return "", err
	}
	if err := r.reg.Add(ctx, owner); err != nil {
		return "", fmt.Errorf("derive: register owner: %w", err)
	}
	if err := r.index.Put(ctx, accountID, owner); err != nil {
		return "", fmt.Errorf("derive: index account: %w", err)
	}
	return accountID, nil
}

// ResolveOwner maps an account id back to its owner, or ErrOwnerNotFound.
func (r *Resolver) ResolveOwner(ctx context.Context, accountID string) (common.Address, error) {
	asset, err := AccountAsset(accountID)
	if err != nil {
		return common.Address{}, err
	}

	owner, ok, err := r.index.Get(ctx, accountID)
	if err != nil {
		return common.Address{}, fmt.Errorf("derive: index lookup: %w", err)
	}
	if ok {
		return owner, nil
	}

	// Index miss: recompute per known owner. O(owners), acceptable only as
	// a healing path for ids minted before the index existed.
	known, err := r.reg.List(ctx)
	if err != nil {
		return common.Address{}, fmt.Errorf("derive: list owners: %w", err)
	}
	for _, candidate := range known {
		got, err := r.deriver.Derive(candidate, asset)
		if err != nil {
			return common.Address{}, err
		}
		if got == accountID {
			if err := r.index.Put(ctx, accountID, candidate); err != nil {
				return common.Address{}, fmt.Errorf("derive: heal index: %w", err)
			}
			return candidate, nil
		}
	}
	return common.Address{}, ErrOwnerNotFound
}

// MemoryIndex is an in-memory IndexStore safe for concurrent use.
type MemoryIndex struct {
	mu    sync.Mutex
	index map[string]common.Address
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{index: make(map[string]common.Address)}
}

func (m *MemoryIndex) Put(_ context.Context, accountID string, owner common.Address) error {
	if accountID == "" {
		return ErrInvalidAccountID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.index[accountID] = owner
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, accountID string) (common.Address, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.index[accountID]
	return owner, ok, nil
}

var _ IndexStore = (*MemoryIndex)(nil)
