package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Guard holds one lease for a whole run. Acquire once, then call Check
// between units of work; it renews after a third of the ttl has passed.
// A Guard is not safe for concurrent use.
type Guard struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	now   func() time.Time

	held      bool
	renewedAt time.Time
}

func NewGuard(store Store, name, owner string, ttl time.Duration, now func() time.Time) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := Validate(name, owner, ttl); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{store: store, name: name, owner: owner, ttl: ttl, now: now}, nil
}

// Acquire takes the lease or fails with ErrHeld naming the holder.
func (g *Guard) Acquire(ctx context.Context) error {
	at := g.now()
	l, ok, err := g.store.TryAcquire(ctx, g.name, g.owner, g.ttl)
	if err != nil {
		return fmt.Errorf("leases: acquire %s: %w", g.name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s owned by %s until %s", ErrHeld, g.name, l.Owner, l.ExpiresAt.UTC().Format(time.RFC3339))
	}
	g.held = true
	g.renewedAt = at
	return nil
}

// Check confirms the lease is still ours. A failed renewal is tolerated
// until the lease would have expired; losing ownership is not.
func (g *Guard) Check(ctx context.Context) error {
	if !g.held {
		return fmt.Errorf("%w: %s not acquired", ErrLost, g.name)
	}
	at := g.now()
	if at.Sub(g.renewedAt) < g.ttl/3 {
		return nil
	}
	_, ok, err := g.store.Renew(ctx, g.name, g.owner, g.ttl)
	switch {
	case err == nil && ok:
		g.renewedAt = at
		return nil
	case errors.Is(err, ErrNotOwner), err == nil:
		g.held = false
		return fmt.Errorf("%w: %s taken over", ErrLost, g.name)
	case at.Sub(g.renewedAt) < g.ttl:
		return nil
	default:
		g.held = false
		return fmt.Errorf("%w: %s expired: renew: %v", ErrLost, g.name, err)
	}
}

// Release gives the lease up if it is still held.
func (g *Guard) Release(ctx context.Context) error {
	if !g.held {
		return nil
	}
	g.held = false
	return g.store.Release(ctx, g.name, g.owner)
}
