// Package leases keeps a single writer per event store.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WriterLease is the lease name guarding writes to one event store. The
// lease row lives in the store's own database, so the name only has to
// be unique within it.
const WriterLease = "pool-ingest/writer"

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotOwner     = errors.New("leases: not owner")
	ErrHeld         = errors.New("leases: held by another owner")
	ErrLost         = errors.New("leases: lease lost")
)

// Lease is a named, expiring ownership record.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease table.
//
// TryAcquire succeeds when the lease is absent or expired, and otherwise
// returns the current holder with ok=false. Renew succeeds only for the
// current owner and fails with ErrNotOwner once someone else took over.
// Release is a no-op when the lease is already gone.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
}

func Validate(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
