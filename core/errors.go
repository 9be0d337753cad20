package core

import "errors"

// Validation errors
var (
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidTaskID    = errors.New("invalid task id")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Authentication errors
var (
	ErrNonceNotFound    = errors.New("nonce not found")
	ErrNonceExpired     = errors.New("nonce has expired")
	ErrNonceConsumed    = errors.New("nonce already consumed")
	ErrNonceMismatch    = errors.New("nonce mismatch")
	ErrAddressMismatch  = errors.New("signer does not match address")
	ErrMessageMalformed = errors.New("malformed sign-in message")
	ErrMessageMismatch  = errors.New("sign-in message does not match request context")
	ErrMessageStale     = errors.New("sign-in message is stale")
	ErrAlreadyInFlight  = errors.New("authentication already in flight")
	ErrAttemptCancelled = errors.New("authentication attempt cancelled")
	ErrTokenExpired     = errors.New("token has expired")
	ErrInvalidToken     = errors.New("invalid token")
	ErrSessionInvalid   = errors.New("session is invalid")
	ErrSubjectNotFound  = errors.New("subject not found")
)

// Settlement errors
var (
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrSettlementDisabled = errors.New("settlement is disabled")
	ErrChainUnavailable   = errors.New("chain rpc unavailable")
	ErrReceiptNotFound    = errors.New("transaction receipt not found")
	ErrInvariantViolation = errors.New("settlement invariant violation")
)

// IsNonceRejection reports whether err is one of the nonce replay or expiry failures
func IsNonceRejection(err error) bool {
	return errors.Is(err, ErrNonceNotFound) ||
		errors.Is(err, ErrNonceExpired) ||
		errors.Is(err, ErrNonceConsumed) ||
		errors.Is(err, ErrNonceMismatch) ||
		errors.Is(err, ErrMessageStale)
}
