package contracts

import "time"

// EnvelopeStatus is the sealed-envelope lifecycle. SEALED is the only
// non-terminal state; EXPIRED and REVOKED are one-way exits.
type EnvelopeStatus string

const (
	EnvelopeSealed  EnvelopeStatus = "SEALED"
	EnvelopeExpired EnvelopeStatus = "EXPIRED"
	EnvelopeRevoked EnvelopeStatus = "REVOKED"
)

// Envelope is an immutable, hash-addressed bundle of execution context.
// SHA256Hash is the SHA-256 of the canonical JSON body in lowercase hex
// and is unique across the store.
type Envelope struct {
	EnvelopeID      string `json:"envelope_id"`
	EnvelopeVersion string `json:"envelope_version"`
	SHA256Hash      string `json:"sha256_hash"`

	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id,omitempty"`

	PersonaID     string `json:"persona_id"`
	PolicyID      string `json:"policy_id"`
	PolicyVersion int    `json:"policy_version"`
	TerritoryID   string `json:"territory_id,omitempty"`

	PersonaResolutionPath   string `json:"persona_resolution_path"`
	PersonaResolutionScope  string `json:"persona_resolution_scope"`
	TerritoryResolutionPath string `json:"territory_resolution_path"`

	// Content is the canonical JSON body the hash commits to.
	Content []byte `json:"content,omitempty"`

	Status    EnvelopeStatus `json:"status"`
	SealedAt  time.Time      `json:"sealed_at"`
	SealedBy  string         `json:"sealed_by"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	RevokedAt *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy string         `json:"revoked_by,omitempty"`
}

// ExpiredAt reports whether the envelope's deadline has passed at now.
// Envelopes without a deadline never expire.
func (e *Envelope) ExpiredAt(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// VerifyStatus is the outcome of an envelope verification probe.
type VerifyStatus string

const (
	VerifyValid     VerifyStatus = "VALID"
	VerifyNotSealed VerifyStatus = "NOT_SEALED"
	VerifyExpired   VerifyStatus = "EXPIRED"
	VerifyRevoked   VerifyStatus = "REVOKED"
)

// ViolationCode classifies a blocked reasoning call.
type ViolationCode string

const (
	ViolationNoEnvelope      ViolationCode = "NO_ENVELOPE"
	ViolationInvalidEnvelope ViolationCode = "INVALID_ENVELOPE"
	ViolationExpiredEnvelope ViolationCode = "EXPIRED_ENVELOPE"
	ViolationRevokedEnvelope ViolationCode = "REVOKED_ENVELOPE"
)

// ResolutionStatus tracks human follow-up on a recorded violation.
type ResolutionStatus string

const (
	ViolationOpen         ResolutionStatus = "OPEN"
	ViolationAcknowledged ResolutionStatus = "ACKNOWLEDGED"
	ViolationResolved     ResolutionStatus = "RESOLVED"
)

// RuntimeGateViolation records one blocked reasoning call with enough
// request context for compliance review. Rows are append-only; resolution
// updates touch metadata fields only.
type RuntimeGateViolation struct {
	ID            string        `json:"id"`
	ViolationCode ViolationCode `json:"violation_code"`

	RequestSource string `json:"request_source"`
	Endpoint      string `json:"endpoint"`
	Method        string `json:"method"`

	TenantID    string `json:"tenant_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`

	ClaimedEnvelopeID string `json:"claimed_envelope_id,omitempty"`
	ClaimedHash       string `json:"claimed_hash,omitempty"`

	RequestContext map[string]any `json:"request_context,omitempty"`

	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolutionNotes  string           `json:"resolution_notes,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}
