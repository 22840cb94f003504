package qpmemorystore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/quickpaste/quickpaste/internal/qpcode"
	"github.com/quickpaste/quickpaste/internal/qpmetrics"
	"github.com/quickpaste/quickpaste/internal/qpstore"
)

const (
	DefaultReapInterval = 1 * time.Minute

	// Once this many codes are held, Create reaps expired pastes before
	// allocating so that memory doesn't stay pinned by abandoned pastes while
	// the code space is nearly full.
	pressureThreshold = qpcode.Space * 9 / 10
)

var _ qpstore.PasteStore = (*MemoryStore)(nil)

// MemoryStoreConfig configures a MemoryStore. Zero values fall back to
// defaults.
type MemoryStoreConfig struct {
	// Allocator picks codes for new pastes. Defaults to random draws with
	// qpcode.DefaultCollisionRetries followed by a linear scan.
	Allocator *qpcode.Allocator

	// MaxContentSize is the maximum size of paste content in bytes. Zero
	// means no limit.
	MaxContentSize int

	// Metrics receives store activity. May be nil.
	Metrics *qpmetrics.Metrics

	// ReapInterval is how often ReapLoop sweeps expired pastes.
	ReapInterval time.Duration

	// TTL is how long pastes live. Defaults to qpstore.DefaultTTL.
	TTL time.Duration
}

// MemoryStore is a process-wide paste store held in memory. Expired pastes are
// reclaimed in two ways: lazily when a lookup finds one, and eagerly by
// ReapLoop so that pastes nobody reads again don't accumulate.
type MemoryStore struct {
	allocator       *qpcode.Allocator
	logger          *logrus.Logger
	maxContentSize  int
	metrics         *qpmetrics.Metrics
	mut             sync.RWMutex
	name            string
	pastes          map[string]*qpstore.Paste
	reapInterval    time.Duration
	reapLoopStarted atomic.Bool
	timeNow         func() time.Time
	ttl             time.Duration
}

func NewMemoryStore(logger *logrus.Logger, config *MemoryStoreConfig) *MemoryStore {
	if config == nil {
		config = &MemoryStoreConfig{}
	}

	store := &MemoryStore{
		allocator:      config.Allocator,
		logger:         logger,
		maxContentSize: config.MaxContentSize,
		metrics:        config.Metrics,
		name:           reflect.TypeOf(MemoryStore{}).Name(),
		pastes:         make(map[string]*qpstore.Paste),
		reapInterval:   config.ReapInterval,
		timeNow:        time.Now,
		ttl:            config.TTL,
	}

	if store.allocator == nil {
		allocator, err := qpcode.NewAllocator(qpcode.DefaultCollisionRetries, qpcode.ScanLinear)
		if err != nil {
			panic(err) // only possible if the defaults above are wrong
		}
		store.allocator = allocator
	}

	if store.reapInterval <= 0 {
		store.reapInterval = DefaultReapInterval
	}

	if store.ttl <= 0 {
		store.ttl = qpstore.DefaultTTL
	}

	return store
}

// Create stores content under a newly allocated code. Code selection and
// insertion happen in the same critical section so that concurrent creates
// can never claim the same code.
func (s *MemoryStore) Create(ctx context.Context, content string) (*qpstore.Paste, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &qpstore.ValidationError{Field: "content", Message: "must not be empty"}
	}

	if s.maxContentSize > 0 && len(content) > s.maxContentSize {
		return nil, &qpstore.ValidationError{
			Field:   "content",
			Message: fmt.Sprintf("must be at most %d bytes", s.maxContentSize),
		}
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	// Waiting on the lock may have used up the caller's time.
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Errorf("error creating paste: %w", err)
	}

	now := s.timeNow()

	if len(s.pastes) >= pressureThreshold {
		numReaped := s.reapLocked(now)
		s.logger.WithFields(logrus.Fields{
			"num_held":   len(s.pastes),
			"num_reaped": numReaped,
		}).Debugf("%s: Code space under pressure; reaped %d paste(s) before create", s.name, numReaped)
	}

	// A code held by an expired paste counts as free. If it's picked, the
	// expired paste is overwritten below.
	code, stats, err := s.allocator.Allocate(func(code string) bool {
		paste, ok := s.pastes[code]
		return ok && !paste.ExpiredAt(now)
	})
	if err != nil {
		if errors.Is(err, qpcode.ErrSpaceExhausted) {
			s.metrics.ObserveCapacityError(stats.Collisions)
			s.logger.Warnf("%s: All %d codes are live; rejecting create", s.name, qpcode.Space)
			return nil, &qpstore.CapacityError{NumLive: len(s.pastes)}
		}

		return nil, xerrors.Errorf("error allocating code: %w", err)
	}

	if _, ok := s.pastes[code]; ok {
		s.metrics.ObserveExpired(qpmetrics.PathOverwrite, 1)
	}

	paste := &qpstore.Paste{
		Code:      code,
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.pastes[code] = paste

	s.metrics.ObserveCreate(stats.Collisions, stats.Scanned)
	s.metrics.ObserveHeld(len(s.pastes))

	s.logger.WithFields(logrus.Fields{
		"code":           code,
		"collisions":     stats.Collisions,
		"content_length": len(content),
		"scanned":        stats.Scanned,
	}).Debugf("%s: Created paste %q", s.name, code)

	return copyPaste(paste), nil
}

// Get returns the paste stored under code. Codes that are unknown, malformed,
// or expired all produce qpstore.ErrPasteNotFound. An expired paste found
// here is removed on the spot.
func (s *MemoryStore) Get(ctx context.Context, code string) (*qpstore.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Errorf("error getting paste: %w", err)
	}

	s.mut.RLock()
	paste, ok := s.pastes[code]
	now := s.timeNow()
	s.mut.RUnlock()

	if !ok {
		s.metrics.ObserveRetrieve(qpmetrics.ResultNotFound)
		return nil, qpstore.ErrPasteNotFound
	}

	// Just in case the reaper is behind, aggressively prune expired content.
	if paste.ExpiredAt(now) {
		s.removeExpired(code, paste)
		s.metrics.ObserveRetrieve(qpmetrics.ResultNotFound)
		s.logger.Infof("%s: Returning not found for expired paste %q created %v", s.name, code, paste.CreatedAt)
		return nil, qpstore.ErrPasteNotFound
	}

	s.metrics.ObserveRetrieve(qpmetrics.ResultFound)
	return copyPaste(paste), nil
}

// Len returns the number of pastes held, including expired pastes that haven't
// been reclaimed yet.
func (s *MemoryStore) Len() int {
	s.mut.RLock()
	defer s.mut.RUnlock()

	return len(s.pastes)
}

// Reap removes every expired paste and returns how many were removed. Running
// it with nothing expired is a no-op.
func (s *MemoryStore) Reap() int {
	s.mut.Lock()
	defer s.mut.Unlock()

	numReaped := s.reapLocked(s.timeNow())
	s.metrics.ObserveReap()

	s.logger.WithFields(logrus.Fields{
		"num_held":   len(s.pastes),
		"num_reaped": numReaped,
	}).Infof("%s: Reaped %d paste(s)", s.name, numReaped)

	return numReaped
}

// ReapLoop reaps immediately and then once every reap interval until ctx is
// done. It should only be started once per store.
func (s *MemoryStore) ReapLoop(ctx context.Context) {
	if !s.reapLoopStarted.CompareAndSwap(false, true) {
		panic("ReapLoop already started -- should only be run once")
	}

	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()

	for {
		_ = s.Reap()

		select {
		case <-ctx.Done():
			s.logger.Infof("%s: Received shutdown signal", s.name)
			return

		case <-ticker.C:
		}
	}
}

// SetTimeNow overrides the store's clock. Intended for tests.
func (s *MemoryStore) SetTimeNow(timeNow func() time.Time) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.timeNow = timeNow
}

// Removes an expired paste found by Get. Between releasing the read lock and
// acquiring the write lock the paste may have been reaped or its code reissued,
// so only delete if the exact same record is still in place.
func (s *MemoryStore) removeExpired(code string, paste *qpstore.Paste) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if current, ok := s.pastes[code]; ok && current == paste {
		delete(s.pastes, code)
		s.metrics.ObserveExpired(qpmetrics.PathLazy, 1)
		s.metrics.ObserveHeld(len(s.pastes))
	}
}

// Must be called with the write lock held.
func (s *MemoryStore) reapLocked(now time.Time) int {
	var numReaped int

	for code, paste := range s.pastes {
		if paste.ExpiredAt(now) {
			delete(s.pastes, code)
			numReaped++
		}
	}

	s.metrics.ObserveExpired(qpmetrics.PathReap, numReaped)
	s.metrics.ObserveHeld(len(s.pastes))

	return numReaped
}

func copyPaste(paste *qpstore.Paste) *qpstore.Paste {
	pasteCopy := *paste
	return &pasteCopy
}
