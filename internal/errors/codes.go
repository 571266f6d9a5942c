// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authorization errors
	CodeUnauthorized Code = "UNAUTHORIZED"

	// Phase errors
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeAlreadyStarted    Code = "ALREADY_STARTED"
	CodeAlreadyComplete   Code = "ALREADY_COMPLETE"
	CodeNoActivePhase     Code = "NO_ACTIVE_PHASE"

	// AI turn errors
	CodeAgentBusy       Code = "AGENT_BUSY"
	CodeProviderError   Code = "PROVIDER_ERROR"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodePolicyViolation Code = "POLICY_VIOLATION"

	// Artifact errors
	CodeConflictingVersion Code = "CONFLICTING_VERSION"

	// Connection errors
	CodeAlreadyActive  Code = "ALREADY_ACTIVE"
	CodeConnectionLost Code = "CONNECTION_LOST"

	// Envelope errors
	CodeInvalidMessage Code = "INVALID_MESSAGE"

	// Storage errors
	CodeNotFound         Code = "NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// GRPCCode maps domain codes to gRPC canonical status codes. The canonical
// names double as wire-level code strings in WebSocket error envelopes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeUnauthorized:
		return codes.PermissionDenied

	case CodeInvalidTransition,
		CodeAlreadyStarted,
		CodeAlreadyComplete,
		CodeNoActivePhase,
		CodeAlreadyActive:
		return codes.FailedPrecondition

	case CodeAgentBusy, CodeRateLimited:
		return codes.ResourceExhausted

	case CodeProviderError, CodeStoreUnavailable:
		return codes.Unavailable

	case CodePolicyViolation, CodeInvalidMessage:
		return codes.InvalidArgument

	case CodeConflictingVersion:
		return codes.Aborted

	case CodeNotFound:
		return codes.NotFound

	case CodeConnectionLost:
		return codes.Canceled

	default:
		return codes.Internal
	}
}

// Retryable reports whether a client should expect the same request to
// eventually succeed if re-sent without modification.
func (c Code) Retryable() bool {
	switch c {
	case CodeAgentBusy, CodeProviderError, CodeRateLimited, CodeStoreUnavailable:
		return true
	default:
		return false
	}
}
