package llm

import (
	"errors"
)

// classifiedError tags a provider failure with its retry disposition. The
// classification survives further %w wrapping via Unwrap.
type classifiedError struct {
	err       error
	retryable bool
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// NewTransientError marks an error as retryable.
func NewTransientError(err error) error {
	return &classifiedError{err: err, retryable: true}
}

// NewFatalError marks an error as non-retryable.
func NewFatalError(err error) error {
	return &classifiedError{err: err, retryable: false}
}

// IsTransient reports whether err carries a retryable classification.
func IsTransient(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce) && ce.retryable
}

// IsFatal reports whether err carries a non-retryable classification.
func IsFatal(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce) && !ce.retryable
}
