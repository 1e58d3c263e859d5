package contracts

import (
	"encoding/json"
	"time"
)

// ReplayStatus is the replay-attempt lifecycle. PENDING is the only
// non-terminal state.
type ReplayStatus string

const (
	ReplayPending          ReplayStatus = "PENDING"
	ReplaySuccess          ReplayStatus = "SUCCESS"
	ReplayDriftDetected    ReplayStatus = "DRIFT_DETECTED"
	ReplayEnvelopeNotFound ReplayStatus = "ENVELOPE_NOT_FOUND"
	ReplayFailed           ReplayStatus = "FAILED"
)

// DriftTypeHashMismatch is the only drift type the engine emits today.
// The field exists so future diff strategies can classify differently.
const DriftTypeHashMismatch = "HASH_MISMATCH"

// DriftDetails captures the evidence of a detected divergence.
type DriftDetails struct {
	OriginalHash string `json:"original_hash"`
	ReplayHash   string `json:"replay_hash"`
	DriftType    string `json:"drift_type"`
}

// ReplayAttempt is one re-execution of a sealed envelope. EnvelopeID is
// empty when the claimed hash matched no envelope.
type ReplayAttempt struct {
	ReplayID     string        `json:"replay_id"`
	EnvelopeID   string        `json:"envelope_id,omitempty"`
	EnvelopeHash string        `json:"envelope_hash"`
	Status       ReplayStatus  `json:"replay_status"`
	Drift        *DriftDetails `json:"drift_details,omitempty"`

	RequestedBy string         `json:"requested_by"`
	Source      string         `json:"source"`
	Context     map[string]any `json:"context,omitempty"`
	FailureCode string         `json:"failure_code,omitempty"`

	// Output is the replayed result as submitted at completion.
	Output json.RawMessage `json:"replay_output,omitempty"`

	InitiatedAt time.Time  `json:"initiated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the attempt can no longer change.
func (r *ReplayAttempt) Terminal() bool {
	return r.Status != ReplayPending
}
