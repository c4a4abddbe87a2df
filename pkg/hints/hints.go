// Package hints labels "soft failures": errors that mean an operation was
// skipped rather than that it failed.
//
// The mirror runs against a live filesystem that keeps changing underneath it.
// A source file that vanished between the change notification and the copy, or
// a target that is already gone when a delete arrives, is an expected outcome.
// Producers wrap such errors as hints. Consumers log hints quietly and do not
// count them as failures, without importing the producer's sentinel errors.
package hints

import (
	"errors"
	"fmt"
)

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Newf creates a hint from a format string. Like fmt.Errorf, a %w verb
// keeps the wrapped error reachable through errors.Is.
func Newf(format string, args ...any) error {
	return &hintErr{err: fmt.Errorf(format, args...)}
}

// Wrap takes an existing error and "promotes" it to a hint.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is checks if the error is a hint AND matches the target error.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
