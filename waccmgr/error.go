package waccmgr

import (
	"fmt"

	"github.com/google/uuid"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific ManagerError.
const (
	// ErrAccountNotFound indicates the requested account id does not
	// exist in the registry.
	ErrAccountNotFound ErrorCode = iota

	// ErrDuplicateNickname indicates a create or rename would give two
	// accounts the same nickname.  The Account field of the error carries
	// the id of the account already holding the nickname.
	ErrDuplicateNickname

	// ErrInvalidNickname indicates a nickname was empty after trimming.
	ErrInvalidNickname

	// ErrInvalidTag indicates a tag was empty after trimming.
	ErrInvalidTag

	// ErrTooManyTags indicates a tag set exceeds MaxTags after
	// deduplication.
	ErrTooManyTags

	// ErrDuplicateAddress indicates an account with the same address is
	// already tracked.
	ErrDuplicateAddress
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrAccountNotFound:   "ErrAccountNotFound",
	ErrDuplicateNickname: "ErrDuplicateNickname",
	ErrInvalidNickname:   "ErrInvalidNickname",
	ErrInvalidTag:        "ErrInvalidTag",
	ErrTooManyTags:       "ErrTooManyTags",
	ErrDuplicateAddress:  "ErrDuplicateAddress",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// ManagerError provides a single type for errors that can occur in the
// account registry.  For lookup and collision failures the Account field
// carries the id relevant to the failure: the missing id for
// ErrAccountNotFound, the colliding id for ErrDuplicateNickname and
// ErrDuplicateAddress.
type ManagerError struct {
	ErrorCode   ErrorCode
	Description string
	Account     uuid.UUID
}

// Error satisfies the error interface and prints human-readable errors.
func (e ManagerError) Error() string {
	return e.Description
}

// managerError creates a ManagerError given a set of arguments.
func managerError(c ErrorCode, desc string) ManagerError {
	return ManagerError{ErrorCode: c, Description: desc}
}

// accountError creates a ManagerError tied to a specific account id.
func accountError(c ErrorCode, desc string, id uuid.UUID) ManagerError {
	return ManagerError{ErrorCode: c, Description: desc, Account: id}
}

// IsError returns whether the error is a ManagerError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(ManagerError)
	return ok && e.ErrorCode == code
}
