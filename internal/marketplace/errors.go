package marketplace

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by this package wraps exactly one of
// them; the underlying cause, when there is one, is wrapped as well.
var (
	ErrAgentUnavailable    = errors.New("signing agent unavailable")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrNotConnected        = errors.New("session not connected")
	ErrLedgerReadFailure   = errors.New("ledger read failed")
	ErrApprovalFailed      = errors.New("token approval failed")
	ErrTransactionRejected = errors.New("transaction rejected")
	ErrInvalidListing      = errors.New("invalid listing")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidInput        = errors.New("invalid input")
	ErrOperationInFlight   = errors.New("operation already in flight")
)

var kinds = []error{
	ErrAgentUnavailable,
	ErrAuthorizationDenied,
	ErrNotConnected,
	ErrLedgerReadFailure,
	ErrApprovalFailed,
	ErrTransactionRejected,
	ErrInvalidListing,
	ErrUnauthorized,
	ErrInvalidInput,
	ErrOperationInFlight,
}

// Kind returns the failure kind err wraps, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func wrap(kind error, cause error) error {
	if cause == nil {
		return kind
	}
	if Kind(cause) == kind {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

func wrapf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
