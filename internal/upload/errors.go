package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a request the caller must fix; nothing external was called.
	ErrValidation = errors.New("invalid upload request")

	// ErrTooLarge marks a photo above the configured size limit.
	ErrTooLarge = errors.New("photo too large")

	// errNotVisible is the retryable verification miss.
	errNotVisible = errors.New("uploaded photo not visible yet")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StorageError is returned when the photo could not be uploaded or verified
// within the retry budget. No progress was written.
type StorageError struct {
	Step string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Step, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// PersistenceError is returned when the photo was uploaded but the progress
// row could not be written. Err is authoritative; CompensationErr records a
// failed cleanup delete and is informational only. Retained is set when the
// photo predates the request and was kept because an earlier row may
// reference it.
type PersistenceError struct {
	Err             error
	CompensationErr error
	Retained        bool
}

func (e *PersistenceError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("persist progress failed: %v (compensation failed: %v)", e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("persist progress failed: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Compensated reports whether the uploaded photo was deleted again.
func (e *PersistenceError) Compensated() bool {
	return !e.Retained && e.CompensationErr == nil
}
