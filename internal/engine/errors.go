package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/quanta/internal/storage"
)

var (
	// ErrValidation indicates a rejected request. It is returned before any
	// persistence attempt and must not be retried unchanged.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = storage.ErrNotFound

	// ErrNotStarted is returned by operations called before Start or after
	// Shutdown.
	ErrNotStarted = errors.New("engine not started")
)

// StorageError reports a failure of the persistent table.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may succeed if retried (a timeout
// or an open circuit).
func (e *StorageError) Temporary() bool {
	return errors.Is(e.Err, storage.ErrTransient)
}

// validationf returns an ErrValidation with detail.
func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storageErr classifies a backend error. Not-found and cancellation pass
// through unchanged; invalid input becomes a validation error; anything else
// becomes a *StorageError.
func storageErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrValidation):
		return err
	case errors.Is(err, storage.ErrInvalidInput):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &StorageError{Op: op, Err: err}
}
