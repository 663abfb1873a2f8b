package owners

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidOwner = errors.New("owners: invalid owner")

// Registry records every owner identity the ledger has seen. The deposit
// scanner and the brute-force address resolver enumerate it.
type Registry interface {
	// Add records the owner. Adding a known owner is a no-op.
	Add(ctx context.Context, owner common.Address) error

	// List returns all known owners in a stable order.
	List(ctx context.Context) ([]common.Address, error)
}

func validate(owner common.Address) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidOwner)
	}
	return nil
}

// MemoryRegistry is an in-memory Registry safe for concurrent use.
type MemoryRegistry struct {
	mu     sync.Mutex
	owners map[common.Address]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{owners: make(map[common.Address]struct{})}
}

func (r *MemoryRegistry) Add(_ context.Context, owner common.Address) error {
	if err := validate(owner); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.owners[owner] = struct{}{}
	return nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]common.Address, 0, len(r.owners))
	for o := range r.owners {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out, nil
}

var _ Registry = (*MemoryRegistry)(nil)
