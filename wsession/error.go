package wsession

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific SessionError.
const (
	// ErrLocked indicates an operation which requires the session to be
	// unlocked was invoked while it was locked.
	ErrLocked ErrorCode = iota

	// ErrWrongPassphrase indicates the supplied credentials were not
	// accepted.  Every credential failure maps to this single code with
	// the same message so callers cannot distinguish which internal check
	// rejected the attempt.
	ErrWrongPassphrase

	// ErrTokenExpired indicates a token was presented after its expiry
	// time.  It is deliberately distinct from ErrLocked so callers can
	// reauthenticate without prompting for a full unlock.
	ErrTokenExpired

	// ErrTokenRevoked indicates a token was issued under a session that
	// has since been locked.  Locking revokes every outstanding token
	// regardless of individual expiry.
	ErrTokenRevoked
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrLocked:          "ErrLocked",
	ErrWrongPassphrase: "ErrWrongPassphrase",
	ErrTokenExpired:    "ErrTokenExpired",
	ErrTokenRevoked:    "ErrTokenRevoked",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// SessionError provides a single type for errors that can occur in the
// session manager.  The ErrorCode field can be inspected by callers to react
// to specific conditions while the description field contains the context.
type SessionError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e SessionError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e SessionError) Unwrap() error {
	return e.Err
}

// sessionError creates a SessionError given a set of arguments.
func sessionError(c ErrorCode, desc string, err error) SessionError {
	return SessionError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a SessionError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(SessionError)
	return ok && e.ErrorCode == code
}
