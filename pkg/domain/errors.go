package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing session, including one owned by someone else.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an operation illegal in the session's current status.
	ErrInvalidState = errors.New("invalid state")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func InvalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
