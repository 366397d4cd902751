package internalerr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common cases
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicate        = errors.New("duplicate entry")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidConfig    = errors.New("invalid configuration")

	// External model call failures.
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient external failure")
	ErrFatal       = errors.New("fatal external failure")
)

// RateLimitError is returned when the external service signals throttling.
// RetryAfter is zero when the service gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() []error { return []error{ErrRateLimited, e.Err} }

// TransientError marks a failure that may succeed on retry (5xx, timeouts, network).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// FatalError marks a failure that must not be retried (authentication, bad request).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string   { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() []error { return []error{ErrFatal, e.Err} }

// Kind classifies an external call error for retry decisions.
type Kind int

const (
	KindTransient Kind = iota
	KindRateLimit
	KindFatal
)

// Classify maps err to a retry kind. Unknown errors are treated as transient.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrInvalidInput):
		return KindFatal
	}
	return KindTransient
}

// RetryAfter extracts the server-provided retry hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
