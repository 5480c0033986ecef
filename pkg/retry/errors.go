package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// PermanentError marks a failure that must not be retried (bad request,
// authentication failure, content rejected).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// TransientError marks a failure worth retrying (timeout, connection reset,
// rate limit, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Transient wraps err as retryable. Transient(nil) is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsTransient reports whether err would be retried. Unclassified errors are
// treated as transient; cancellation of the caller's context is not.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	var t *TransientError
	if errors.As(err, &t) {
		return true
	}
	return !errors.Is(err, context.Canceled)
}

// ExhaustedError is returned once every attempt has failed with a transient
// error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// FromStatus classifies an HTTP failure: 408, 425, 429 and 5xx are transient,
// every other non-2xx status is permanent. A 2xx status returns nil.
func FromStatus(status int, err error) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("unexpected status %d", status)
	}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}
