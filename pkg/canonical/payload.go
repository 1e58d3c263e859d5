package canonical

import (
	"encoding/json"
	"fmt"
)

// EnvelopePayload is the wire body an envelope hash commits to. Field
// presence is part of the contract: optional fields are omitted entirely
// when empty, never serialized as null. Timestamps are pre-rendered
// strings (see FormatTime) so the canonical bytes are reproducible from
// the stored row alone.
type EnvelopePayload struct {
	EnvelopeVersion string `json:"envelope_version"`
	TenantID        string `json:"tenant_id"`
	WorkspaceID     string `json:"workspace_id"`
	UserID          string `json:"user_id,omitempty"`

	PersonaID     string `json:"persona_id"`
	PolicyID      string `json:"policy_id"`
	PolicyVersion int    `json:"policy_version"`
	TerritoryID   string `json:"territory_id,omitempty"`

	PersonaResolutionPath   string `json:"persona_resolution_path"`
	PersonaResolutionScope  string `json:"persona_resolution_scope"`
	TerritoryResolutionPath string `json:"territory_resolution_path"`

	Content json.RawMessage `json:"content"`

	SealedAt  string `json:"sealed_at"`
	SealedBy  string `json:"sealed_by"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Canonical returns the RFC 8785 bytes of the payload.
func (p *EnvelopePayload) Canonical() ([]byte, error) {
	if len(p.Content) == 0 {
		return nil, fmt.Errorf("canonicalize: payload content is empty")
	}
	if !json.Valid(p.Content) {
		return nil, fmt.Errorf("canonicalize: payload content is not valid JSON")
	}
	return Marshal(p)
}

// CanonicalHash returns the canonical bytes and their SHA-256 hex digest.
func (p *EnvelopePayload) CanonicalHash() ([]byte, string, error) {
	b, err := p.Canonical()
	if err != nil {
		return nil, "", err
	}
	return b, Hash(b), nil
}

// ParsePayload decodes canonical bytes back into a payload. Round-tripping
// through ParsePayload and Canonical is the identity on canonical input.
func ParsePayload(b []byte) (*EnvelopePayload, error) {
	var p EnvelopePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("canonicalize: parse payload: %w", err)
	}
	return &p, nil
}
