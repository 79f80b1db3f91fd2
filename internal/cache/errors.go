package cache

import (
	"errors"
	"fmt"
)

// Common errors for cache operations
var (
	// ErrNotFound is returned when a key has no committed entry.
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidValue is returned when a stored value no longer reports
	// itself valid, e.g. its pixel buffer was recycled by its owner.
	ErrInvalidValue = errors.New("cache value is no longer valid")

	// ErrCapacityExceeded is returned when a single value is too large for
	// the store it is offered to.
	ErrCapacityExceeded = errors.New("value exceeds single entry limit")

	// ErrEditInProgress is returned when another editor holds the key.
	ErrEditInProgress = errors.New("edit already in progress")

	// ErrIO classifies disk read and write failures.
	ErrIO = errors.New("cache i/o failure")

	// ErrVersionMismatch is used internally when the journal was written by
	// another app version; the directory is then reset.
	ErrVersionMismatch = errors.New("cache version mismatch")

	// ErrCorruptJournal is used internally when the journal cannot be parsed.
	ErrCorruptJournal = errors.New("cache journal corrupted")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("cache is closed")
)

// StoreError describes a failed disk store operation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports ErrIO for every store error that does not wrap ErrNotFound, so
// callers can branch on errors.Is(err, ErrIO) without knowing the os error.
func (e *StoreError) Is(target error) bool {
	if target == ErrIO {
		return !errors.Is(e.Err, ErrNotFound)
	}
	return false
}

func ioError(op, key string, err error) error {
	return &StoreError{Op: op, Key: key, Err: err}
}
