// Package proxy implements the request routing core: authentication, the
// per-key circuit breaker, budget checks, the provider adapters, and the
// router state machine tying them together.
package proxy

import "fmt"

// ErrorKind classifies an upstream failure.
type ErrorKind string

// Plan-side error kinds.
const (
	ErrKindRateLimit   ErrorKind = "rate_limit"
	ErrKindUsageLimit  ErrorKind = "usage_limit"
	ErrKindServerError ErrorKind = "server_error"
	ErrKindClientError ErrorKind = "client_error"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindNetwork     ErrorKind = "network_error"
)

// Bedrock-side error kinds.
const (
	ErrKindBedrockAuth        ErrorKind = "bedrock_auth_error"
	ErrKindBedrockQuota       ErrorKind = "bedrock_quota_exceeded"
	ErrKindBedrockValidation  ErrorKind = "bedrock_validation"
	ErrKindBedrockModelError  ErrorKind = "bedrock_model_error"
	ErrKindBedrockUnavailable ErrorKind = "bedrock_unavailable"
)

// retryableKinds are the plan-side failures eligible for Bedrock fallback.
var retryableKinds = map[ErrorKind]bool{
	ErrKindRateLimit:   true,
	ErrKindUsageLimit:  true,
	ErrKindServerError: true,
	ErrKindTimeout:     true,
	ErrKindNetwork:     true,
}

// circuitTriggerKinds are the only failures that advance the circuit
// breaker toward open.
var circuitTriggerKinds = map[ErrorKind]bool{
	ErrKindRateLimit:   true,
	ErrKindServerError: true,
}

// Retryable reports whether the kind is eligible for fallback.
func (k ErrorKind) Retryable() bool {
	return retryableKinds[k]
}

// TriggersCircuit reports whether the kind counts toward opening the
// circuit breaker.
func (k ErrorKind) TriggersCircuit() bool {
	return circuitTriggerKinds[k]
}

// AnthropicType maps the kind to its public-facing error type string.
func (k ErrorKind) AnthropicType() string {
	switch k {
	case ErrKindRateLimit, ErrKindUsageLimit, ErrKindBedrockQuota:
		return "rate_limit_error"
	case ErrKindServerError, ErrKindNetwork, ErrKindBedrockModelError:
		return "api_error"
	case ErrKindClientError, ErrKindBedrockValidation:
		return "invalid_request_error"
	case ErrKindTimeout, ErrKindBedrockUnavailable:
		return "overloaded_error"
	case ErrKindBedrockAuth:
		return "authentication_error"
	default:
		return "api_error"
	}
}

// DefaultStatus is the HTTP status used when an adapter has no upstream
// status to pass through.
func (k ErrorKind) DefaultStatus() int {
	switch k {
	case ErrKindRateLimit, ErrKindUsageLimit, ErrKindBedrockQuota:
		return 429
	case ErrKindClientError, ErrKindBedrockValidation:
		return 400
	case ErrKindTimeout:
		return 504
	case ErrKindNetwork, ErrKindBedrockUnavailable:
		return 503
	case ErrKindBedrockAuth:
		return 401
	case ErrKindServerError, ErrKindBedrockModelError:
		return 502
	default:
		return 500
	}
}

// AdapterError is the normalized failure outcome of an adapter call.
type AdapterError struct {
	Kind      ErrorKind
	Status    int
	Message   string
	Retryable bool
}

// NewAdapterError builds an AdapterError; status 0 falls back to the kind's
// default and retryability follows the kind.
func NewAdapterError(kind ErrorKind, status int, message string) *AdapterError {
	if status == 0 {
		status = kind.DefaultStatus()
	}
	return &AdapterError{
		Kind:      kind,
		Status:    status,
		Message:   message,
		Retryable: kind.Retryable(),
	}
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
}
