// Package errors provides error handling primitives used throughout the
// repository engine. It re-exports the most commonly used functions from
// github.com/pkg/errors so that call sites only need a single import, and
// adds a "fatal" marker for invariant violations that should abort a
// command rather than be retried.
package errors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// New, Errorf, Wrap, Wrapf, WithStack and Cause behave exactly like their
// github.com/pkg/errors counterparts: errors constructed this way carry a
// stack trace that can be printed for debugging.
var (
	New      = errors.New
	Errorf   = errors.Errorf
	Wrap     = errors.Wrap
	Wrapf    = errors.Wrapf
	WithStack = errors.WithStack
	Cause    = errors.Cause
)

// Is, As and Unwrap forward to the standard library so that callers can use
// sentinel errors and wrapped errors interchangeably with errors returned by
// this package.
var (
	Is     = stderrors.Is
	As     = stderrors.As
	Unwrap = stderrors.Unwrap
)

// fatalError marks an error as fatal: the operation cannot be retried or
// partially recovered from and the caller should abort. Its message is
// always prefixed with "Fatal: ", matching how these errors are surfaced
// to users at the top level.
type fatalError struct {
	error
}

func (f fatalError) Error() string {
	return "Fatal: " + f.error.Error()
}

func (f fatalError) Unwrap() error {
	return f.error
}

// Fatal returns an error that IsFatal() recognizes as non-retryable.
func Fatal(s string) error {
	return fatalError{errors.New(s)}
}

// Fatalf is like Fatal but formats the message according to a format
// specifier.
func Fatalf(format string, args ...interface{}) error {
	return fatalError{errors.Errorf(format, args...)}
}

// IsFatal returns true if err (or any error it wraps) was created via Fatal
// or Fatalf.
func IsFatal(err error) bool {
	var f fatalError
	return stderrors.As(err, &f)
}
