package randutil

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntn(t *testing.T) {
	for i := 0; i < 1000; i++ {
		n := Intn(10)
		require.GreaterOrEqual(t, n, int64(0))
		require.Less(t, n, int64(10))
	}

	// Only one possible outcome.
	require.Equal(t, int64(0), Intn(1))
}

func TestPerm(t *testing.T) {
	require.Empty(t, Perm(0))
	require.Equal(t, []int{0}, Perm(1))

	perm := Perm(100)
	require.Len(t, perm, 100)

	sorted := append([]int(nil), perm...)
	sort.Ints(sorted)
	for i, v := range sorted {
		require.Equal(t, i, v)
	}
}
