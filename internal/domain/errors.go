package domain

import (
	"errors"
	"fmt"
)

// ErrDuplicateKey is returned by UpsertFromSource when a record already exists
// with conflicting immutable fields for the same external id.
var ErrDuplicateKey = errors.New("record already exists with conflicting immutable fields")

// FatalError aborts the whole run. It wraps credential and configuration
// failures that no per-record handling can recover from.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a FatalError from a format string.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err should abort the run instead of being handled
// per record.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
