package wbatch

import "errors"

// TransientError marks a fetch failure as retryable: the query itself is
// fine, the failure is environmental (network blip, rate limit, node
// hiccup).  The engine retries transient failures with exponential backoff
// and only surfaces them after the retry budget is exhausted.
type TransientError struct {
	Err error
}

// Error satisfies the error interface.
func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a fetch failure as non-retryable: the query can never
// succeed as posed (malformed input, unknown method, rejected address).
// Permanent failures surface immediately without any retry.
type PermanentError struct {
	Err error
}

// Error satisfies the error interface.
func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is marked retryable.  Unclassified errors
// are not: retrying a failure of unknown shape risks hammering a backend
// that will never answer differently.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
