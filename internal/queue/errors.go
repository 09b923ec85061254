package queue

import "errors"

// ErrValidation marks a bad job spec. Validation failures are rejected at
// enqueue time and never retried.
var ErrValidation = errors.New("invalid job spec")

// TransientError wraps a failure worth retrying (network-shaped errors,
// service overload). Anything else is terminal on first failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient tags err as retryable. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
