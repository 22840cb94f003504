package qpcode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	require.Equal(t, "0000", Format(0))
	require.Equal(t, "0007", Format(7))
	require.Equal(t, "0421", Format(421))
	require.Equal(t, "9999", Format(Space-1))
}

func TestValid(t *testing.T) {
	require.True(t, Valid("0000"))
	require.True(t, Valid("4821"))
	require.True(t, Valid("9999"))

	require.False(t, Valid(""))
	require.False(t, Valid("123"))
	require.False(t, Valid("12345"))
	require.False(t, Valid("12a4"))
	require.False(t, Valid(" 123"))
	require.False(t, Valid("1234\n"))
	require.False(t, Valid("١٢٣٤")) // Arabic-Indic digits aren't ASCII
}

func TestParse(t *testing.T) {
	{
		n, err := Parse("0042")
		require.NoError(t, err)
		require.Equal(t, 42, n)
	}

	{
		_, err := Parse("42")
		require.ErrorIs(t, err, ErrCodeInvalid)
	}
}

func TestParseScanStrategy(t *testing.T) {
	{
		strategy, err := ParseScanStrategy("linear")
		require.NoError(t, err)
		require.Equal(t, ScanLinear, strategy)
	}

	{
		strategy, err := ParseScanStrategy(" Shuffled ")
		require.NoError(t, err)
		require.Equal(t, ScanShuffled, strategy)
	}

	{
		_, err := ParseScanStrategy("spiral")
		require.ErrorIs(t, err, ErrScanStrategyUnknown)
	}
}

func TestNewAllocator(t *testing.T) {
	{
		_, err := NewAllocator(-1, ScanLinear)
		require.ErrorIs(t, err, ErrCollisionRetriesNegative)
	}

	{
		_, err := NewAllocator(DefaultCollisionRetries, "spiral")
		require.ErrorIs(t, err, ErrScanStrategyUnknown)
	}
}

func TestAllocatorAllocate(t *testing.T) {
	var (
		allocator *Allocator
		taken     map[string]struct{}
	)

	isTaken := func(code string) bool {
		_, ok := taken[code]
		return ok
	}

	takeAllExcept := func(free ...string) {
		for n := 0; n < Space; n++ {
			taken[Format(n)] = struct{}{}
		}
		for _, code := range free {
			delete(taken, code)
		}
	}

	setup := func(scan ScanStrategy, test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			var err error
			allocator, err = NewAllocator(DefaultCollisionRetries, scan)
			require.NoError(t, err)
			taken = make(map[string]struct{})

			test(t)
		}
	}

	t.Run("EmptySpace", setup(ScanLinear, func(t *testing.T) {
		code, stats, err := allocator.Allocate(isTaken)
		require.NoError(t, err)
		require.True(t, Valid(code))
		require.Equal(t, AllocationStats{}, stats)
	}))

	t.Run("CollisionThenFree", setup(ScanLinear, func(t *testing.T) {
		draws := []int64{1, 1, 2}
		allocator.intn = func(max int64) int64 {
			n := draws[0]
			draws = draws[1:]
			return n
		}
		taken["0001"] = struct{}{}

		code, stats, err := allocator.Allocate(isTaken)
		require.NoError(t, err)
		require.Equal(t, "0002", code)
		require.Equal(t, AllocationStats{Collisions: 2}, stats)
	}))

	t.Run("LinearScanFallback", setup(ScanLinear, func(t *testing.T) {
		takeAllExcept("0003")

		// Every random draw lands on a taken code, and the scan starts just
		// past the free one so that it has to wrap around.
		allocator.intn = func(max int64) int64 { return 4 }

		code, stats, err := allocator.Allocate(isTaken)
		require.NoError(t, err)
		require.Equal(t, "0003", code)
		require.Equal(t, AllocationStats{Collisions: DefaultCollisionRetries, Scanned: true}, stats)
	}))

	t.Run("ShuffledScanFallback", setup(ScanShuffled, func(t *testing.T) {
		takeAllExcept("7310")

		code, stats, err := allocator.Allocate(isTaken)
		require.NoError(t, err)
		require.Equal(t, "7310", code)
		require.True(t, stats.Scanned)
	}))

	t.Run("NoRetriesScansImmediately", setup(ScanLinear, func(t *testing.T) {
		allocator.CollisionRetries = 0

		code, stats, err := allocator.Allocate(isTaken)
		require.NoError(t, err)
		require.True(t, Valid(code))
		require.Equal(t, AllocationStats{Scanned: true}, stats)
	}))

	t.Run("Exhausted", setup(ScanLinear, func(t *testing.T) {
		takeAllExcept()

		_, stats, err := allocator.Allocate(isTaken)
		require.ErrorIs(t, err, ErrSpaceExhausted)
		require.True(t, stats.Scanned)
	}))

	t.Run("ExhaustedShuffled", setup(ScanShuffled, func(t *testing.T) {
		takeAllExcept()

		_, _, err := allocator.Allocate(isTaken)
		require.ErrorIs(t, err, ErrSpaceExhausted)
	}))
}
