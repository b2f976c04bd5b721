package crypto

import (
	"errors"
	"math/rand/v2"

	"github.com/SecureScripts/Anonymous-Payments-over-Ethereum/types"
)

// ErrInvalidSeed is returned when a seed has the wrong length
var ErrInvalidSeed = errors.New("invalid seed")

// NewRand returns a PCG generator seeded from a 32-byte seed
func NewRand(seed types.Hash) *rand.Rand {
	s1, s2 := SeedWords(seed)
	return rand.New(rand.NewPCG(s1, s2))
}

// Shuffle returns a uniformly random permutation of [0, n) determined by seed
func Shuffle(n int, seed types.Hash) []int {
	return ShuffleWith(NewRand(seed), n)
}

// ShuffleWith runs Fisher-Yates over r
func ShuffleWith(r *rand.Rand, n int) []int {
	result := make([]int, n)
	for i := range result {
		result[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := r.IntN(i + 1)
		result[i], result[j] = result[j], result[i]
	}
	return result
}

