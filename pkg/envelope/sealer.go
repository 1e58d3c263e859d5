package envelope

import (
	"context"
	"encoding/json"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/canonical"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
	"github.com/uaesivakumar/upr-authority/pkg/resolver"
)

// DefaultEnvelopeVersion tags envelopes sealed by this kernel build.
const DefaultEnvelopeVersion = "1.0"

// Sealer is the production seal path: it resolves the persona, policy and
// territory for a request, builds the canonical payload, hashes it and
// persists the envelope. Any resolution failure refuses the seal.
type Sealer struct {
	resolver *resolver.Resolver
	store    *Store
	clock    kernelid.Clock
	version  string
}

// NewSealer wires a sealer over a resolver and an envelope store.
func NewSealer(r *resolver.Resolver, store *Store) *Sealer {
	return &Sealer{resolver: r, store: store, clock: kernelid.Now, version: DefaultEnvelopeVersion}
}

// WithClock overrides the timestamp source.
func (s *Sealer) WithClock(clock kernelid.Clock) *Sealer {
	s.clock = clock
	return s
}

// SealInput is one seal request from a tenant context.
type SealInput struct {
	TenantID    string
	WorkspaceID string
	UserID      string

	SubVertical string
	RegionCode  string

	// Content is the request-specific JSON object the envelope binds.
	Content json.RawMessage

	SealedBy string

	// TTL bounds the envelope lifetime; zero means no expiry.
	TTL time.Duration
}

// Seal resolves authority context and persists the envelope.
func (s *Sealer) Seal(ctx context.Context, actor contracts.Actor, in SealInput) (*SealResult, error) {
	personaRes, err := s.resolver.ResolvePersona(ctx, in.SubVertical, in.RegionCode)
	if err != nil {
		return nil, err
	}
	policy, err := s.resolver.GetActivePolicy(ctx, personaRes.Persona.PersonaID)
	if err != nil {
		return nil, err
	}
	terrRes, err := s.resolver.ResolveTerritory(ctx, in.RegionCode, in.SubVertical)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var expiresAt *time.Time
	payload := &canonical.EnvelopePayload{
		EnvelopeVersion:         s.version,
		TenantID:                in.TenantID,
		WorkspaceID:             in.WorkspaceID,
		UserID:                  in.UserID,
		PersonaID:               personaRes.Persona.PersonaID,
		PolicyID:                policy.PolicyID,
		PolicyVersion:           policy.PolicyVersion,
		TerritoryID:             terrRes.Territory.TerritoryID,
		PersonaResolutionPath:   personaRes.Path,
		PersonaResolutionScope:  string(personaRes.Scope),
		TerritoryResolutionPath: terrRes.Path,
		Content:                 in.Content,
		SealedAt:                canonical.FormatTime(now),
		SealedBy:                in.SealedBy,
	}
	if in.TTL > 0 {
		t := now.Add(in.TTL)
		expiresAt = &t
		payload.ExpiresAt = canonical.FormatTime(t)
	}

	bytes, hash, err := payload.CanonicalHash()
	if err != nil {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "%v", err)
	}

	return s.store.Seal(ctx, actor, SealRequest{
		EnvelopeVersion:         s.version,
		SHA256Hash:              hash,
		TenantID:                in.TenantID,
		WorkspaceID:             in.WorkspaceID,
		UserID:                  in.UserID,
		PersonaID:               personaRes.Persona.PersonaID,
		PolicyID:                policy.PolicyID,
		PolicyVersion:           policy.PolicyVersion,
		TerritoryID:             terrRes.Territory.TerritoryID,
		PersonaResolutionPath:   personaRes.Path,
		PersonaResolutionScope:  personaRes.Scope,
		TerritoryResolutionPath: terrRes.Path,
		CanonicalContent:        bytes,
		SealedBy:                in.SealedBy,
		ExpiresAt:               expiresAt,
	})
}
