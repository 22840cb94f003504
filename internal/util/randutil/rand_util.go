package randutil

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Intn is a shortcut for generating a random integer in [0, max) using
// crypto/rand.
func Intn(max int64) int64 {
	nBig, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		panic(fmt.Sprintf("error generating random int: %v", err))
	}
	return nBig.Int64()
}

// Perm returns a random permutation of the integers [0, n) using a
// Fisher-Yates shuffle driven by crypto/rand.
func Perm(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	for i := n - 1; i > 0; i-- {
		j := int(Intn(int64(i + 1)))
		perm[i], perm[j] = perm[j], perm[i]
	}

	return perm
}
