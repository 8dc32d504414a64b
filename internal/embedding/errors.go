package embedding

import (
	"errors"
	"fmt"
)

// TransientError is a failure worth retrying: network errors, timeouts, 429 and 5xx responses.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient embedding error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient embedding error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that will not succeed on retry: other 4xx responses,
// malformed responses and dimension mismatches.
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent embedding error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent embedding error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is or wraps a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is or wraps a *PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ErrUnavailable is returned by embedders that have been switched off.
var ErrUnavailable = errors.New("embedding provider unavailable")
