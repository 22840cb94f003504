package qpstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTTL is how long a paste stays retrievable after it's created.
	DefaultTTL = 30 * time.Minute
)

var (
	// ErrPasteNotFound is returned for codes that were never issued, have
	// expired, or aren't well-formed. It's an expected outcome rather than a
	// fault.
	ErrPasteNotFound = errors.New("paste not found")

	// ErrCapacityExhausted is returned when every code is held by a live paste.
	ErrCapacityExhausted = errors.New("no free paste codes available")
)

// CapacityError wraps ErrCapacityExhausted with the number of pastes that were
// live at the time of the failure.
type CapacityError struct {
	NumLive int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v (%d live pastes)", ErrCapacityExhausted, e.NumLive)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExhausted }

// ValidationError is returned for input that a caller should have rejected
// before it reached the store, like empty content.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Paste is an immutable record of submitted content. Once created, none of its
// fields change.
type Paste struct {
	Code      string
	Content   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ExpiredAt reports whether the paste is expired as of the given time. A paste
// expires exactly at ExpiresAt.
func (p *Paste) ExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

type PasteStore interface {
	Create(ctx context.Context, content string) (*Paste, error)
	Get(ctx context.Context, code string) (*Paste, error)
}
