package contracts

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes. These form the kernel's error
// contract: adapters branch on codes, never on message text. Codes are
// append-only; renaming or reusing a code is a breaking change.
const (
	// --- Resolution ---
	CodePersonaNotResolved                  = "PERSONA_NOT_RESOLVED"
	CodePolicyNotFound                      = "POLICY_NOT_FOUND"
	CodeMultipleActivePolicies              = "MULTIPLE_ACTIVE_POLICIES"
	CodeTerritoryNotConfigured              = "TERRITORY_NOT_CONFIGURED"
	CodeTerritoryNotConfiguredForSubVert    = "TERRITORY_NOT_CONFIGURED_FOR_SUB_VERTICAL"

	// --- Envelope lifecycle ---
	CodeEnvelopeNotSealed = "ENVELOPE_NOT_SEALED"
	CodeEnvelopeExpired   = "ENVELOPE_EXPIRED"
	CodeEnvelopeRevoked   = "ENVELOPE_REVOKED"

	// --- Runtime gate ---
	CodeRuntimeGateViolation = "RUNTIME_GATE_VIOLATION"

	// --- Replay ---
	CodeReplayDriftDetected          = "REPLAY_DRIFT_DETECTED"
	CodeAuthorityInvarianceViolation = "AUTHORITY_INVARIANCE_VIOLATION"

	// --- Authority store ---
	CodeCrossEnterpriseForbidden       = "CROSS_ENTERPRISE_FORBIDDEN"
	CodeWorkspaceReassignmentForbidden = "WORKSPACE_REASSIGNMENT_FORBIDDEN"
	CodeRoleEscalationForbidden        = "ROLE_ESCALATION_FORBIDDEN"

	// --- Suite governance ---
	CodeSuiteNotFrozen     = "SUITE_NOT_FROZEN"
	CodeInvalidStatus      = "INVALID_STATUS"
	CodeCorrelationTooLow  = "CORRELATION_TOO_LOW"
	CodeDuplicateScenario  = "DUPLICATE_SCENARIO"
	CodeThresholdNotMet    = "THRESHOLD_NOT_MET"
	CodeScenarioLimit      = "SCENARIO_LIMIT_EXCEEDED"

	// --- Adapter / transport ---
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeNotFound         = "NOT_FOUND"
	CodeInviteExpired    = "INVITE_EXPIRED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeInternal         = "INTERNAL"
)

// KernelError is the canonical error type crossing package boundaries.
// Code is stable; Message is for humans; Details carries structured
// context (drift hashes, gate violation fields) for adapters to relay.
type KernelError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewKernelError builds a KernelError without details.
func NewKernelError(code, message string) *KernelError {
	return &KernelError{Code: code, Message: message}
}

// NewKernelErrorf builds a KernelError with a formatted message.
func NewKernelErrorf(code, format string, args ...any) *KernelError {
	return &KernelError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one structured detail, returning the error for chaining.
func (e *KernelError) WithDetail(key string, value any) *KernelError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the stable code from err, unwrapping as needed.
// Infrastructure errors without a KernelError in their chain map to INTERNAL.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Retryable wraps transient infrastructure failures (connection drops,
// lock timeouts) so callers can distinguish them from domain rejections,
// which are never retryable.
type Retryable struct {
	Err error
}

func (r *Retryable) Error() string { return "retryable: " + r.Err.Error() }

func (r *Retryable) Unwrap() error { return r.Err }

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	var r *Retryable
	return errors.As(err, &r)
}
