package coord

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("coord: invalid input")
	ErrNotFound     = errors.New("coord: not found")
	ErrNotOwner     = errors.New("coord: not owner")
)

// Lease is a named, expiring ownership record used so that only one
// scanner/sweeper instance runs a given task at a time.
type Lease struct {
	Task      string
	Owner     string
	ExpiresAt time.Time
}

// LeaseStore provides compare-and-swap style lease acquisition.
//
// Semantics:
//   - TryAcquire succeeds if the lease is absent or expired at the store's
//     notion of "now".
//   - Renew succeeds only for the current owner.
//   - Release is idempotent when the lease is already absent.
type LeaseStore interface {
	TryAcquire(ctx context.Context, task, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, task, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, task, owner string) error
}

// CheckpointStore persists each task's last completed run so a restart
// neither skips nor double-runs a window.
type CheckpointStore interface {
	SetLastRun(ctx context.Context, task string, at time.Time) error
	LastRun(ctx context.Context, task string) (time.Time, error)
}

func validateLease(task, owner string, ttl time.Duration) error {
	if task == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: task/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
