package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors recorded in failed entries.
var (
	// ErrFetchTimeout is recorded when a fetch exceeds its per-kind timeout.
	ErrFetchTimeout = errors.New("fetch timed out")

	// ErrCanceled is recorded for fetches abandoned during shutdown.
	ErrCanceled = errors.New("fetch canceled")

	// ErrRetryExhausted wraps the last failure once all attempts are used.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ClassTimeout represents fetches that exceeded their deadline.
	ClassTimeout ErrorClass = "timeout"

	// ClassTransient represents network and server-side failures.
	ClassTransient ErrorClass = "transient"

	// ClassRateLimited represents upstream throttling (HTTP 429).
	ClassRateLimited ErrorClass = "rate_limited"

	// ClassNotFound represents a resource or namespace that does not exist.
	ClassNotFound ErrorClass = "not_found"

	// ClassForbidden represents missing RBAC permissions or bad credentials.
	ClassForbidden ErrorClass = "forbidden"

	// ClassTerminal represents any other failure retrying cannot fix.
	ClassTerminal ErrorClass = "terminal"

	// ClassCanceled represents fetches abandoned during shutdown.
	ClassCanceled ErrorClass = "canceled"
)

// Retryable reports whether a failure of this class may succeed on retry.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassTransient, ClassRateLimited:
		return true
	case ClassNotFound, ClassForbidden, ClassTerminal:
		// retrying wastes upstream budget
		return false
	case ClassCanceled:
		// not retried in place, but a later request refetches
		return false
	default:
		return false
	}
}

// Terminal reports whether failures of this class persist until the cluster changes.
func (c ErrorClass) Terminal() bool {
	switch c {
	case ClassNotFound, ClassForbidden, ClassTerminal:
		return true
	default:
		return false
	}
}

// FetchError describes a failed fetch with its classification.
type FetchError struct {
	Class    ErrorClass
	Kind     Kind
	Key      string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s %s error (attempts %d): %v",
			e.Key, e.Class, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s %s error (attempts %d)", e.Key, e.Class, e.Attempts)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Terminal reports whether the failure is persistent until the cluster changes.
func (e *FetchError) Terminal() bool {
	return e.Class.Terminal()
}

// Reason returns the underlying failure message without key decoration.
func (e *FetchError) Reason() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return e.Err.Error()
}

// Permanent marks err as terminal so the pool does not retry it.
// Fetch functions use it for failures they know are persistent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Class: ClassTerminal, Err: err}
}

// WithClass marks err with an explicit class.
func WithClass(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Class: class, Err: err}
}

// Classifier maps a domain error to a class. The second result is false when
// the classifier does not recognize the error.
type Classifier func(err error) (ErrorClass, bool)

// Classify determines the class of a fetch failure.
// Explicit FetchError classes win, then context and network errors, then the
// supplied classifiers in order. Anything unrecognized is transient.
func Classify(err error, classifiers ...Classifier) ErrorClass {
	if err == nil {
		return ""
	}

	var fe *FetchError
	if errors.As(err, &fe) && fe.Class != "" {
		return fe.Class
	}

	switch {
	case errors.Is(err, ErrCanceled):
		return ClassCanceled
	case errors.Is(err, ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	}

	for _, c := range classifiers {
		if class, ok := c(err); ok {
			return class
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	return ClassTransient
}
