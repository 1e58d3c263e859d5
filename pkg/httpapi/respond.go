package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// maxBodyBytes bounds request bodies. Envelope content is JSON, not
// blobs; anything bigger is a misuse.
const maxBodyBytes = 1 << 20

// apiResponse is the wire envelope for every response.
type apiResponse struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, v any) {
	writeJSON(w, status, apiResponse{
		Success:   true,
		Data:      v,
		RequestID: requestIDFrom(r.Context()),
	})
}

// writeErr translates a kernel error into the wire envelope. Codes map
// to statuses; internals are logged and never leak to the client.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := contracts.CodeOf(err)
	status := statusFor(code)

	body := apiResponse{
		Error:     code,
		RequestID: requestIDFrom(r.Context()),
	}

	if status == http.StatusInternalServerError {
		slog.Default().With("component", "httpapi").ErrorContext(r.Context(),
			"request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = contracts.CodeInternal
		body.Message = "an unexpected error occurred"
		writeJSON(w, status, body)
		return
	}

	var ke *contracts.KernelError
	if errors.As(err, &ke) {
		body.Message = ke.Message
		body.Details = ke.Details
	} else {
		body.Message = err.Error()
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, body)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "60")
	writeJSON(w, http.StatusTooManyRequests, apiResponse{
		Error:     contracts.CodeRateLimited,
		Message:   "rate limit exceeded, retry later",
		RequestID: requestIDFrom(r.Context()),
	})
}

func errRateLimited(action string) error {
	return contracts.NewKernelErrorf(contracts.CodeRateLimited,
		"read budget for %s is exhausted", action).WithDetail("action", action)
}

// statusFor maps stable kernel codes to HTTP statuses. Unknown codes are
// internal failures.
func statusFor(code string) int {
	switch code {
	case contracts.CodeValidationFailed, contracts.CodeScenarioLimit:
		return http.StatusBadRequest
	case contracts.CodeUnauthorized:
		return http.StatusUnauthorized
	case contracts.CodeForbidden,
		contracts.CodeAuthorityInvarianceViolation,
		contracts.CodeCrossEnterpriseForbidden,
		contracts.CodeWorkspaceReassignmentForbidden,
		contracts.CodeRoleEscalationForbidden:
		return http.StatusForbidden
	case contracts.CodeNotFound,
		contracts.CodeEnvelopeNotSealed,
		contracts.CodePersonaNotResolved,
		contracts.CodePolicyNotFound,
		contracts.CodeTerritoryNotConfigured,
		contracts.CodeTerritoryNotConfiguredForSubVert:
		return http.StatusNotFound
	case contracts.CodeInvalidStatus,
		contracts.CodeSuiteNotFrozen,
		contracts.CodeDuplicateScenario,
		contracts.CodeCorrelationTooLow,
		contracts.CodeThresholdNotMet,
		contracts.CodeEnvelopeExpired,
		contracts.CodeEnvelopeRevoked:
		return http.StatusConflict
	case contracts.CodeInviteExpired:
		return http.StatusGone
	case contracts.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a strict JSON body into dst. Unknown fields are rejected
// so typos surface as 400s instead of silently dropped options.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"malformed request body: %v", err)
	}
	return nil
}

// clientIP is the peer address without the port. X-Forwarded-For is
// deliberately ignored: an unvalidated header must not steer the
// limiter.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"%s must be RFC 3339, got %q", key, v)
	}
	return &t, nil
}
