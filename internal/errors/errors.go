package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrNotFound            = errors.New("not found")
	ErrUnknownListing      = errors.New("unknown listing")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrInvalidOraclePrice  = errors.New("invalid oracle price")
	ErrAlreadyResolved     = errors.New("already resolved")
	ErrNotYetExpired       = errors.New("not yet expired")
	ErrNothingToWithdraw   = errors.New("nothing to withdraw")
	ErrInvalidInput        = errors.New("invalid input")
)

// OpError is a structured error for lifecycle operations. It carries the
// operation name and the acting principal so rejected calls can be attributed
// in logs without parsing the message.
type OpError struct {
	Op        string // Operation that failed (e.g., "subscribe", "resolve_expiry")
	Principal string // Acting principal, if the operation had one
	Err       error  // Underlying error
}

func (e *OpError) Error() string {
	if e.Principal != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Principal, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap attaches operation context to a domain error. Returns nil when err is
// nil so call sites can wrap unconditionally.
func Wrap(op, principal string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Principal: principal, Err: err}
}

// IsPrecondition reports whether the error is a rejected state-machine
// precondition on the resolve path, as opposed to a bad reference or an
// authorization failure. Keeper loops treat these as benign races.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrNotYetExpired)
}
