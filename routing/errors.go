package routing

import "fmt"

// ValidationError reports malformed input rejected before any transfer is
// attempted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "routing: " + e.Reason
}

// AuthorizationError reports a failed capability check. The whole settlement
// call is aborted; no funds move.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "routing: " + e.Reason
}

// The two concrete authorization failures, kept distinct so callers can tell
// which side of the permission pair was missing.
var (
	ErrNotAuthorizedCaller = &AuthorizationError{Reason: "caller lacks the CALLER capability"}
	ErrTreasuryNotAllowed  = &AuthorizationError{Reason: "treasury lacks the TREASURY capability"}
)

// TransferFailure reports that moving value or a token balance failed. The
// settlement is all-or-nothing, so a TransferFailure means nothing moved.
type TransferFailure struct {
	Err error
}

func (e *TransferFailure) Error() string {
	return fmt.Sprintf("routing: transfer failed: %v", e.Err)
}

func (e *TransferFailure) Unwrap() error { return e.Err }
