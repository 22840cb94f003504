package main

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/xerrors"

	"github.com/quickpaste/quickpaste/internal/qpstore"
)

type ServerError struct {
	Message    string
	StatusCode int
}

func NewServerError(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

func (e *ServerError) Error() string {
	return e.Message
}

// Maps an error from the paste store to one that's suitable to show a user.
// Errors that aren't one of the store's known kinds are wrapped and passed
// through, and will end up as an internal error.
func serverErrorFromStore(err error) error {
	var validationErr *qpstore.ValidationError

	switch {
	case errors.As(err, &validationErr):
		return NewServerError(http.StatusBadRequest,
			fmt.Sprintf("Paste %s %s.", validationErr.Field, validationErr.Message))

	case errors.Is(err, qpstore.ErrCapacityExhausted):
		return NewServerError(http.StatusServiceUnavailable, ErrMessageCapacityExhausted)

	case errors.Is(err, qpstore.ErrPasteNotFound):
		return NewServerError(http.StatusNotFound, ErrMessagePasteNotFound)
	}

	return xerrors.Errorf("error from paste store: %w", err)
}
