package envelope

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the orchestration core.
var (
	// ErrInvalid marks structurally invalid input (missing fields, bad
	// topic names). Invalid input never becomes valid on retry.
	ErrInvalid = errors.New("invalid")

	// ErrConflict marks a decision or write against a record already in a
	// terminal state. Conflicts are rejected synchronously, never retried.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a lookup for a record that does not exist.
	ErrNotFound = errors.New("not found")
)

// PermanentError marks a failure that will recur on every redelivery of the
// same envelope: malformed payloads, schema violations, handler bugs. The
// runtime routes these straight to the dead-letter stream without burning
// the retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable. Structural
// invalidity counts as permanent even without an explicit wrap.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrInvalid)
}

// IsTransient reports whether err should be retried with backoff. Every
// error that is not permanent and not a conflict is treated as transient:
// at-least-once delivery assumes failures are recoverable until proven
// otherwise.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err) && !errors.Is(err, ErrConflict)
}

// Conflictf builds an ErrConflict with formatted context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}
