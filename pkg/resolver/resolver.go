// Package resolver implements persona and territory resolution with scope
// inheritance. Resolution is pure: it reads the authority store's active
// sets, never mutates, never retries, and surfaces typed negative
// outcomes to the caller (in production, the envelope sealer).
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// Catalog is the authority-store read surface the resolver probes.
type Catalog interface {
	ActivePersonas(ctx context.Context, subVertical string) ([]contracts.Persona, error)
	ActivePolicies(ctx context.Context, personaID string) ([]contracts.PersonaPolicy, error)
	ActiveTerritories(ctx context.Context) ([]contracts.Territory, error)
	SubVerticalBound(ctx context.Context, territoryID, subVertical string) (bool, error)
}

// Resolver resolves personas and territories against a catalog.
type Resolver struct {
	catalog Catalog
}

// New builds a resolver over the given catalog.
func New(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// PersonaResolution is a successful persona probe.
type PersonaResolution struct {
	Persona contracts.Persona
	Scope   contracts.PersonaScope
	Path    string
}

// TerritoryResolution is a successful territory probe. Depth runs 1..5 for
// exact region, country, slug, name and the GLOBAL fallback.
type TerritoryResolution struct {
	Territory contracts.Territory
	Depth     int
	Path      string
}

var fold = cases.Fold()

// foldEq compares slugs and display names case-insensitively after NFC
// normalization, so "Dubai" and "DUBAI" (or decomposed accents) match.
// Region and country codes are compared exactly, never folded.
func foldEq(a, b string) bool {
	return fold.String(norm.NFC.String(a)) == fold.String(norm.NFC.String(b))
}

// leadingSegment returns the part of a region code before the first dash:
// "UAE-DUBAI" yields "UAE".
func leadingSegment(code string) string {
	if i := strings.Index(code, "-"); i >= 0 {
		return code[:i]
	}
	return code
}

func renderSegment(code string) string {
	if code == "" {
		return "none"
	}
	return code
}

// ResolvePersona probes LOCAL, REGIONAL and GLOBAL personas in that order
// and returns the first hit with its audit path, e.g.
// "LOCAL(UAE-DUBAI) → REGIONAL(UAE)". A miss on all three scopes returns
// PERSONA_NOT_RESOLVED.
func (r *Resolver) ResolvePersona(ctx context.Context, subVertical, regionCode string) (*PersonaResolution, error) {
	personas, err := r.catalog.ActivePersonas(ctx, subVertical)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("resolver: list personas: %w", err)}
	}

	// LOCAL: exact match on the requested code.
	if regionCode != "" {
		for _, p := range personas {
			if p.Scope == contracts.ScopeLocal && p.RegionCode == regionCode {
				return &PersonaResolution{
					Persona: p,
					Scope:   contracts.ScopeLocal,
					Path:    fmt.Sprintf("LOCAL(%s)", regionCode),
				}, nil
			}
		}
	}

	// REGIONAL: the stored code equals the leading dash segment of the
	// request, or the request carries the stored code as prefix.
	if regionCode != "" {
		leading := leadingSegment(regionCode)
		for _, p := range personas {
			if p.Scope != contracts.ScopeRegional {
				continue
			}
			if p.RegionCode == leading || (p.RegionCode != "" && strings.HasPrefix(regionCode, p.RegionCode)) {
				return &PersonaResolution{
					Persona: p,
					Scope:   contracts.ScopeRegional,
					Path:    fmt.Sprintf("LOCAL(%s) → REGIONAL(%s)", regionCode, p.RegionCode),
				}, nil
			}
		}
	}

	// GLOBAL fallback.
	for _, p := range personas {
		if p.Scope == contracts.ScopeGlobal {
			return &PersonaResolution{
				Persona: p,
				Scope:   contracts.ScopeGlobal,
				Path: fmt.Sprintf("LOCAL(%s) → REGIONAL(%s) → GLOBAL",
					renderSegment(regionCode), "none"),
			}, nil
		}
	}

	return nil, contracts.NewKernelErrorf(contracts.CodePersonaNotResolved,
		"no active persona for sub_vertical %s region %s", subVertical, renderSegment(regionCode)).
		WithDetail("sub_vertical_id", subVertical).
		WithDetail("region_code", regionCode)
}

// GetActivePolicy returns the single ACTIVE policy of a persona. Zero
// actives is POLICY_NOT_FOUND; more than one means the store invariant is
// broken and resolution must not guess.
func (r *Resolver) GetActivePolicy(ctx context.Context, personaID string) (*contracts.PersonaPolicy, error) {
	policies, err := r.catalog.ActivePolicies(ctx, personaID)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("resolver: list policies: %w", err)}
	}
	switch len(policies) {
	case 0:
		return nil, contracts.NewKernelErrorf(contracts.CodePolicyNotFound,
			"persona %s has no ACTIVE policy", personaID)
	case 1:
		p := policies[0]
		return &p, nil
	default:
		return nil, contracts.NewKernelErrorf(contracts.CodeMultipleActivePolicies,
			"persona %s has %d ACTIVE policies", personaID, len(policies)).
			WithDetail("count", len(policies))
	}
}

// territoryProbe is one inheritance step.
type territoryProbe struct {
	depth int
	label string
	match func(t contracts.Territory) bool
}

// ResolveTerritory probes exact region code, country code, slug, name and
// the GLOBAL fallback, returning the shallowest hit. Ties inside one probe
// break on level specificity (narrower wins), then created_at, then id.
func (r *Resolver) ResolveTerritory(ctx context.Context, regionCode, subVertical string) (*TerritoryResolution, error) {
	territories, err := r.catalog.ActiveTerritories(ctx)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("resolver: list territories: %w", err)}
	}

	country := leadingSegment(regionCode)
	probes := []territoryProbe{
		{1, fmt.Sprintf("region_code(%s)", renderSegment(regionCode)), func(t contracts.Territory) bool {
			return regionCode != "" && t.RegionCode == regionCode
		}},
		{2, fmt.Sprintf("country_code(%s)", renderSegment(country)), func(t contracts.Territory) bool {
			return regionCode != "" && t.Level == contracts.LevelCountry && t.CountryCode == country
		}},
		{3, fmt.Sprintf("slug(%s)", renderSegment(regionCode)), func(t contracts.Territory) bool {
			return regionCode != "" && foldEq(t.Slug, regionCode)
		}},
		{4, fmt.Sprintf("name(%s)", renderSegment(regionCode)), func(t contracts.Territory) bool {
			return regionCode != "" && foldEq(t.Name, regionCode)
		}},
		{5, "GLOBAL", func(t contracts.Territory) bool {
			return t.Level == contracts.LevelGlobal
		}},
	}

	var pathParts []string
	for _, probe := range probes {
		var hits []contracts.Territory
		for _, t := range territories {
			if probe.match(t) {
				hits = append(hits, t)
			}
		}
		pathParts = append(pathParts, probe.label)
		if len(hits) == 0 {
			continue
		}
		sort.SliceStable(hits, func(i, j int) bool {
			si, sj := hits[i].Level.Specificity(), hits[j].Level.Specificity()
			if si != sj {
				return si > sj
			}
			if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
				return hits[i].CreatedAt.Before(hits[j].CreatedAt)
			}
			return hits[i].TerritoryID < hits[j].TerritoryID
		})
		winner := hits[0]

		res := &TerritoryResolution{
			Territory: winner,
			Depth:     probe.depth,
			Path:      strings.Join(pathParts, " → "),
		}
		if subVertical != "" {
			if err := r.validateCoverage(ctx, winner, subVertical); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	return nil, contracts.NewKernelErrorf(contracts.CodeTerritoryNotConfigured,
		"no territory matches region %s", renderSegment(regionCode)).
		WithDetail("region_code", regionCode)
}

// validateCoverage applies the coverage gate: an explicit binding wins,
// otherwise only GLOBAL and MULTI coverage admit the sub-vertical.
func (r *Resolver) validateCoverage(ctx context.Context, t contracts.Territory, subVertical string) error {
	bound, err := r.catalog.SubVerticalBound(ctx, t.TerritoryID, subVertical)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("resolver: check binding: %w", err)}
	}
	if bound {
		return nil
	}
	if t.CoverageType == contracts.CoverageGlobal || t.CoverageType == contracts.CoverageMulti {
		return nil
	}
	return contracts.NewKernelErrorf(contracts.CodeTerritoryNotConfiguredForSubVert,
		"territory %s (coverage %s) does not cover sub_vertical %s",
		t.Slug, t.CoverageType, subVertical).
		WithDetail("territory_id", t.TerritoryID).
		WithDetail("sub_vertical_id", subVertical)
}
