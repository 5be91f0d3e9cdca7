package core

import (
	"errors"
	"fmt"
)

// Engine errors. All failures surface synchronously as one of these
// sentinels, wrapped with operation context.
var (
	// ErrInvalidInput is returned when a required field is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateIncident is returned when an incident number is already taken.
	ErrDuplicateIncident = errors.New("duplicate incident number")

	// ErrNotFound is returned when a record or incident number is unknown.
	ErrNotFound = errors.New("record not found")

	// ErrDimensionMismatch is returned when a vector's length differs from the
	// configured embedding dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidContentType is returned when a content type is outside the
	// closed set (description, resolution, combined).
	ErrInvalidContentType = errors.New("invalid content type")

	// ErrInvalidVector is returned for zero-magnitude vectors or vectors with
	// non-finite components.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrStoreClosed is returned when using a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// StoreError wraps engine errors with the failing operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("bugvec: %v", e.Err)
	}
	return fmt.Sprintf("bugvec: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
