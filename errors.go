package portcullis

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation invoked on a closed session,
	// regardless of which operation it was.
	ErrClosed = &UsageError{Reason: "session is closed"}

	// ErrAborted marks a transaction abort that the backend did not retry
	// internally.  Backend implementations wrap their native abort errors so
	// callers can test for it with [Aborted] after the session has translated
	// the failure.
	ErrAborted = errors.New("transaction aborted")
)

// UsageError indicates the caller misused the session: an operation on a closed
// session, an unsupported option value, a savepoint that did not come from this
// session, or a negative probe timeout.  Usage errors are detected locally and
// never reach the backend.
type UsageError struct {
	Reason string
}

func (e *UsageError) Error() string {
	return "portcullis: " + e.Reason
}

// BackendError wraps a failure returned by the [Backend].  The backend's
// native error is preserved as the cause for diagnostics, but never escapes
// the adapter unwrapped.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return "portcullis: backend: " + e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsUsage returns true if the error was caused by caller misuse rather than a
// backend failure.
func IsUsage(err error) bool {
	var usage *UsageError
	return errors.As(err, &usage)
}

// IsBackend returns true if the error originated in the backend session.
func IsBackend(err error) bool {
	var backend *BackendError
	return errors.As(err, &backend)
}

// Aborted returns true if the error stems from a transaction abort the backend
// gave up on.  The caller may roll back and run the transaction again.
func Aborted(err error) bool {
	return err != nil && errors.Is(err, ErrAborted)
}

// usagef builds a *UsageError from a format string.
func usagef(format string, args ...any) error {
	return &UsageError{Reason: fmt.Sprintf(format, args...)}
}

// backendErr wraps a backend failure in a *BackendError.  Passing nil returns
// nil, and an error that is already translated is returned as is.
func backendErr(err error) error {
	if err == nil {
		return nil
	}

	var backend *BackendError
	if errors.As(err, &backend) {
		return err
	}

	return &BackendError{Err: err}
}
