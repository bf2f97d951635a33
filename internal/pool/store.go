package pool

import (
	"context"
	"errors"
)

var (
	ErrInvalidBlockData = errors.New("pool: invalid block data")
	ErrWrite            = errors.New("pool: write failed")
)

// Store persists decoded blocks. WriteBlock is all-or-nothing and
// idempotent: rows whose primary key already exists are left untouched.
type Store interface {
	WriteBlock(ctx context.Context, data BlockData) (WriteResult, error)

	// LatestBlock returns the highest persisted block number. ok is false
	// when no block has been persisted yet.
	LatestBlock(ctx context.Context) (number uint64, ok bool, err error)
}
