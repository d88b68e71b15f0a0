// Package balancer selects a pool credential for an inbound request using
// power-of-two-choices over the hot cache's shuffled snapshot, with a tie
// bias away from the presenter's own credential.
package balancer

import (
	"errors"
	"sync/atomic"

	"keypool/internal/store"
)

// ErrNoAvailable is returned when the snapshot is empty.
var ErrNoAvailable = errors.New("no available credential")

// StatsFunc reports today's (calls, throttles) for a credential id,
// defaulting missing entries to zero.
type StatsFunc func(id int64) (calls, throttles int64)

// Balancer is a stateless selector except for its advancing candidate
// counter; it is safe for concurrent use.
type Balancer struct {
	counter atomic.Uint64
}

// New creates a Balancer.
func New() *Balancer {
	return &Balancer{}
}

// Select picks a credential from the snapshot. Two candidate positions come
// from the advancing counter layered over the already-shuffled order; fewer
// throttles wins, then fewer calls, then the earlier candidate. The
// presenter's own credential only displaces the winner with strictly better
// stats, which amortizes heavy local callers across the pool.
func (b *Balancer) Select(creds []*store.Credential, stats StatsFunc, presenterFP string) (*store.Credential, error) {
	n := len(creds)
	switch n {
	case 0:
		return nil, ErrNoAvailable
	case 1:
		return creds[0], nil
	}

	base := b.counter.Add(2) - 2
	c1 := creds[base%uint64(n)]
	c2 := creds[(base+1)%uint64(n)]

	winner := c1
	if strictlyBetter(stats, c2, c1) {
		winner = c2
	}

	if presenterFP != "" {
		for _, c := range creds {
			if c.Fingerprint == presenterFP {
				if c != winner && strictlyBetter(stats, c, winner) {
					winner = c
				}
				break
			}
		}
	}
	return winner, nil
}

// strictlyBetter reports whether a beats b: fewer throttles, then fewer
// calls. Ties keep b.
func strictlyBetter(stats StatsFunc, a, b *store.Credential) bool {
	aCalls, aThrottles := stats(a.ID)
	bCalls, bThrottles := stats(b.ID)
	if aThrottles != bThrottles {
		return aThrottles < bThrottles
	}
	return aCalls < bCalls
}
