package pipeline

import (
	"errors"
	"fmt"
)

// Error is the domain error type of the relay pipeline. Every failure mode
// carries a stable machine code, an internal cause and a short human-readable
// message distinct from the internal error; the message is what reaches the
// progress stream's final event.
type Error struct {
	Code    string
	Err     error
	Message string
}

// Error returns the internal description of the error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

// Unwrap returns the internal cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code, so wrapped copies still compare equal to the
// package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// Withf returns a copy of the error with a formatted internal cause.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{
		Code:    e.Code,
		Err:     fmt.Errorf(format, args...),
		Message: e.Message,
	}
}

// WithErr returns a copy of the error with err as the internal cause.
func (e *Error) WithErr(err error) *Error {
	return &Error{
		Code:    e.Code,
		Err:     err,
		Message: e.Message,
	}
}

// HumanMessage extracts the user-facing message from any error. Unknown
// errors map to a generic message rather than leaking internals.
func HumanMessage(err error) string {
	var perr *Error
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return "The relay could not be completed. Please try again."
}

var (
	ErrInsufficientAllowance = &Error{Code: "insufficient_allowance",
		Message: "The token allowance is too low. Approve the relayer for the full amount and try again."}
	ErrPullFailed = &Error{Code: "pull_failed",
		Message: "Could not collect the tokens from your wallet. Check your balance and approval."}
	ErrShieldFailed = &Error{Code: "shield_failed",
		Message: "Depositing into the privacy pool failed. No funds were lost; please try again."}
	ErrVerificationTimeout = &Error{Code: "verification_timeout",
		Message: "Privacy verification timed out. The network may be slow. Please try again."}
	ErrPoolUnavailable = &Error{Code: "pool_unavailable",
		Message: "Could not reach the privacy pool service. Please try again."}
	ErrProofGenerationFailed = &Error{Code: "proof_generation_failed",
		Message: "Could not generate the privacy proof. Please try again."}
	ErrSettlementFailed = &Error{Code: "settlement_failed",
		Message: "The payout transaction failed. Shielded funds remain safe."}
	ErrBalanceSyncIncomplete = &Error{Code: "balance_sync_incomplete",
		Message: "Shielded balance is still syncing; continuing optimistically."}
	ErrRelayerNotConfigured = &Error{Code: "relayer_not_configured",
		Message: "The relay service is not configured correctly. Please contact the operator."}
	ErrUnsupportedMode = &Error{Code: "unsupported_mode",
		Message: "The requested authorization method is not supported yet."}
)
