package app

import "errors"

// Sentinel errors returned by the escrow ledger. The API layer maps these to
// the HTTP taxonomy: validation errors are never retried, conflicts explain
// "already in progress", transient errors invite a retry, and ambiguous
// outcomes are parked for reconciliation.
var (
	// ErrUnauthorized: the caller is not permitted to act on this resource.
	ErrUnauthorized = errors.New("caller is not authorized for this operation")
	// ErrInvalidAssignment: the target BG is not eligible to be funded
	// (wrong service area, or onboarding not READY).
	ErrInvalidAssignment = errors.New("bg is not eligible for funding on this project")
	// ErrInvalidAmount: funding amount must be a positive number of cents.
	ErrInvalidAmount = errors.New("funding amount must be positive")
	// ErrDuplicateOpenPayment: an open (PENDING or FUNDED) payment already
	// exists for this (project, bg) pair.
	ErrDuplicateOpenPayment = errors.New("an open payment already exists for this project and bg")
	// ErrGatewayUnavailable: the processor call failed transiently; the
	// caller should retry with the same request.
	ErrGatewayUnavailable = errors.New("payment processor unavailable; retry")
	// ErrGatewayRejected: the processor rejected the request outright
	// (declined, disabled account); terminal for this attempt.
	ErrGatewayRejected = errors.New("payment processor rejected the request")
	// ErrAlreadyTerminal: the payment is in a terminal state that forbids
	// the requested transition.
	ErrAlreadyTerminal = errors.New("payment is in a terminal state")
	// ErrPaymentNotFunded: release requested before the escrow was funded.
	ErrPaymentNotFunded = errors.New("payment is not funded")
	// ErrNotCancellable: cancellation requested after processor confirmation.
	ErrNotCancellable = errors.New("payment can no longer be cancelled")
	// ErrAmbiguousOutcome: the processor's answer was ambiguous; the payment
	// is parked for reconciliation and must not be assumed settled.
	ErrAmbiguousOutcome = errors.New("processor outcome ambiguous; reconciliation pending")
	// ErrRateLimited: the caller exceeded the funding or connect rate limit.
	ErrRateLimited = errors.New("too many requests")
)
