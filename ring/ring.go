// Package ring forms anonymity rings and circulates their layered bus.
package ring

import (
	"fmt"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/crypto"
	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// Ring is a fixed-membership anonymity group circulating one bus
type Ring struct {
	ID      int
	Members []types.UserID // ring order; position i owns seat i
}

// Size returns the number of members
func (r *Ring) Size() int {
	return len(r.Members)
}

// Member returns the member at a ring position, wrapping around
func (r *Ring) Member(pos int) types.UserID {
	n := len(r.Members)
	return r.Members[((pos%n)+n)%n]
}

// Position returns the ring position of a member, or -1
func (r *Ring) Position(id types.UserID) int {
	for i, m := range r.Members {
		if m == id {
			return i
		}
	}
	return -1
}

// Partition splits exactly beta*(k+alpha) users into beta disjoint rings of
// k+alpha members. The assignment is a uniform permutation drawn from seed,
// which stands in for a future block hash; the same seed always yields the
// same rings.
func Partition(users []types.UserID, k, alpha, beta int, seed types.Hash) ([]*Ring, error) {
	size := k + alpha
	switch {
	case k < 1 || alpha < 0:
		return nil, &types.ConfigError{Field: "k+alpha", Reason: fmt.Sprintf("invalid ring shape k=%d alpha=%d", k, alpha)}
	case beta < 1:
		return nil, &types.ConfigError{Field: "beta", Reason: fmt.Sprintf("must be positive, got %d", beta)}
	case len(users)%size != 0:
		return nil, &types.ConfigError{
			Field:  "population",
			Reason: fmt.Sprintf("%d users do not divide into rings of %d", len(users), size),
		}
	case len(users) != beta*size:
		return nil, &types.ConfigError{
			Field:  "population",
			Reason: fmt.Sprintf("need exactly %d users for %d rings of %d, got %d", beta*size, beta, size, len(users)),
		}
	}

	seen := make(map[types.UserID]struct{}, len(users))
	for _, id := range users {
		if _, dup := seen[id]; dup {
			return nil, &types.ConfigError{Field: "population", Reason: fmt.Sprintf("duplicate user %d", id)}
		}
		seen[id] = struct{}{}
	}

	perm := crypto.Shuffle(len(users), seed)
	rings := make([]*Ring, beta)
	for r := 0; r < beta; r++ {
		members := make([]types.UserID, size)
		for i := 0; i < size; i++ {
			members[i] = users[perm[r*size+i]]
		}
		rings[r] = &Ring{ID: r, Members: members}
	}
	return rings, nil
}
