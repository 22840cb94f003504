package qpcode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/quickpaste/quickpaste/internal/util/randutil"
)

const (
	// Space is the number of distinct codes, "0000" through "9999".
	Space = 10000

	// Width is the number of digits in a rendered code.
	Width = 4

	// DefaultCollisionRetries is how many random draws are made before
	// falling back to a scan of the whole code space.
	DefaultCollisionRetries = 20
)

var (
	ErrCodeInvalid              = xerrors.Errorf("code should be exactly %d digits", Width)
	ErrCollisionRetriesNegative = xerrors.New("collision retries must not be negative")
	ErrScanStrategyUnknown      = xerrors.New("unknown scan strategy")
	ErrSpaceExhausted           = xerrors.New("code space exhausted")
)

var codeRE = regexp.MustCompile(`\A[0-9]{4}\z`)

// Format renders n as a zero-padded code like "0007".
func Format(n int) string {
	return fmt.Sprintf("%0*d", Width, n)
}

// Valid reports whether code is exactly four ASCII digits.
func Valid(code string) bool {
	return codeRE.MatchString(code)
}

// Parse returns the numeric value of a code, or ErrCodeInvalid.
func Parse(code string) (int, error) {
	if !Valid(code) {
		return 0, ErrCodeInvalid
	}

	// Can't fail as long as the regex is right.
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0, xerrors.Errorf("error parsing code %q: %w", code, err)
	}

	return n, nil
}

// ScanStrategy is the order in which the full code space is walked once
// random draws have run out of attempts.
type ScanStrategy string

const (
	// ScanLinear walks codes in order starting from a random offset and
	// wrapping around, so that scans don't always pile up at "0000".
	ScanLinear ScanStrategy = "linear"

	// ScanShuffled walks a random permutation of the whole code space.
	ScanShuffled ScanStrategy = "shuffled"
)

// ParseScanStrategy parses a strategy name as it appears in configuration.
func ParseScanStrategy(s string) (ScanStrategy, error) {
	switch strategy := ScanStrategy(strings.ToLower(strings.TrimSpace(s))); strategy {
	case ScanLinear, ScanShuffled:
		return strategy, nil
	}

	return "", xerrors.Errorf("%q is not %q or %q: %w", s, ScanLinear, ScanShuffled, ErrScanStrategyUnknown)
}

// AllocationStats describes how much work Allocate had to do to find a code.
type AllocationStats struct {
	// Collisions is the number of random draws that landed on a taken code.
	Collisions int

	// Scanned is set if random draws were exhausted and the code space was
	// scanned.
	Scanned bool
}

// Allocator picks free codes. It holds no state about which codes are in use;
// callers supply that through the taken function and are responsible for
// making the check and the subsequent insert atomic.
type Allocator struct {
	CollisionRetries int
	Scan             ScanStrategy

	intn func(max int64) int64
	perm func(n int) []int
}

func NewAllocator(collisionRetries int, scan ScanStrategy) (*Allocator, error) {
	if collisionRetries < 0 {
		return nil, ErrCollisionRetriesNegative
	}

	if _, err := ParseScanStrategy(string(scan)); err != nil {
		return nil, err
	}

	return &Allocator{
		CollisionRetries: collisionRetries,
		Scan:             scan,
		intn:             randutil.Intn,
		perm:             randutil.Perm,
	}, nil
}

// Allocate returns a code for which taken returns false. Random draws are tried
// first, up to CollisionRetries times, followed by a scan of the entire space.
// Returns ErrSpaceExhausted if every code is taken.
func (a *Allocator) Allocate(taken func(code string) bool) (string, AllocationStats, error) {
	var stats AllocationStats

	for i := 0; i < a.CollisionRetries; i++ {
		code := Format(int(a.intn(Space)))
		if !taken(code) {
			return code, stats, nil
		}
		stats.Collisions++
	}

	stats.Scanned = true

	if code, ok := a.scan(taken); ok {
		return code, stats, nil
	}

	return "", stats, ErrSpaceExhausted
}

func (a *Allocator) scan(taken func(code string) bool) (string, bool) {
	if a.Scan == ScanShuffled {
		for _, n := range a.perm(Space) {
			if code := Format(n); !taken(code) {
				return code, true
			}
		}
		return "", false
	}

	start := int(a.intn(Space))
	for i := 0; i < Space; i++ {
		if code := Format((start + i) % Space); !taken(code) {
			return code, true
		}
	}

	return "", false
}
