// Package errors provides structured domain error handling for the raffle
// engine. Every rejected operation carries a machine-readable code so callers
// can distinguish retryable precondition failures from hard faults.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Entry errors
	CodeNotOpen          Code = "NOT_OPEN"
	CodePastDeadline     Code = "PAST_DEADLINE"
	CodeZeroCount        Code = "ZERO_COUNT"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodePerAddressCap    Code = "PER_ADDRESS_CAP"
	CodePaymentFailed    Code = "PAYMENT_FAILED"

	// Close/randomness-request errors
	CodeNotReady                  Code = "NOT_READY"
	CodeAlreadyRequested          Code = "ALREADY_REQUESTED"
	CodeInsufficientOracleFunding Code = "INSUFFICIENT_ORACLE_FUNDING"

	// Finalize errors
	CodeRandomNotReady Code = "RANDOM_NOT_READY"
	CodeBadState       Code = "BAD_STATE"

	// Claim errors
	CodeNotWinner      Code = "NOT_WINNER"
	CodeAlreadyClaimed Code = "ALREADY_CLAIMED"
	CodeNoReward       Code = "NO_REWARD"
	CodeNotCancelled   Code = "NOT_CANCELLED"

	// Recovery errors
	CodeNotStuck          Code = "NOT_STUCK"
	CodeTimeoutNotElapsed Code = "TIMEOUT_NOT_ELAPSED"

	// Round configuration errors
	CodeInvalidRoundConfig Code = "INVALID_ROUND_CONFIG"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeStaleRound    Code = "STALE_ROUND"
)

// HTTPStatus maps domain codes to HTTP status codes for the JSON API.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - malformed or invalid input
	case CodeZeroCount,
		CodeInvalidRoundConfig:
		return http.StatusBadRequest

	// Payment required - the entry payment could not be collected
	case CodePaymentFailed:
		return http.StatusPaymentRequired

	// Forbidden - the caller is not entitled to the claimed liability
	case CodeNotWinner:
		return http.StatusForbidden

	// Not found - resource doesn't exist
	case CodeNotFound:
		return http.StatusNotFound

	// Conflict - round state doesn't allow the operation yet
	case CodeNotOpen,
		CodePastDeadline,
		CodeCapacityExceeded,
		CodePerAddressCap,
		CodeNotReady,
		CodeAlreadyRequested,
		CodeRandomNotReady,
		CodeBadState,
		CodeAlreadyClaimed,
		CodeNoReward,
		CodeNotCancelled,
		CodeNotStuck,
		CodeTimeoutNotElapsed,
		CodeAlreadyExists,
		CodeStaleRound:
		return http.StatusConflict

	// Failed dependency - the oracle subscription cannot fund a request
	case CodeInsufficientOracleFunding:
		return http.StatusFailedDependency

	default:
		return http.StatusInternalServerError
	}
}
