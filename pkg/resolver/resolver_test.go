package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

type fakeCatalog struct {
	personas    []contracts.Persona
	policies    map[string][]contracts.PersonaPolicy
	territories []contracts.Territory
	bindings    map[string]bool
	err         error
}

func (f *fakeCatalog) ActivePersonas(_ context.Context, subVertical string) ([]contracts.Persona, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []contracts.Persona
	for _, p := range f.personas {
		if p.SubVertical == subVertical && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeCatalog) ActivePolicies(_ context.Context, personaID string) ([]contracts.PersonaPolicy, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.policies[personaID], nil
}

func (f *fakeCatalog) ActiveTerritories(_ context.Context) ([]contracts.Territory, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.territories, nil
}

func (f *fakeCatalog) SubVerticalBound(_ context.Context, territoryID, subVertical string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.bindings[territoryID+"|"+subVertical], nil
}

func persona(id string, scope contracts.PersonaScope, region string) contracts.Persona {
	return contracts.Persona{
		PersonaID:   id,
		Name:        id,
		Scope:       scope,
		SubVertical: "sv-1",
		RegionCode:  region,
		IsActive:    true,
	}
}

func TestResolvePersonaLocalBeforeRegionalBeforeGlobal(t *testing.T) {
	cat := &fakeCatalog{personas: []contracts.Persona{
		persona("p-global", contracts.ScopeGlobal, ""),
		persona("p-regional", contracts.ScopeRegional, "UAE"),
		persona("p-local", contracts.ScopeLocal, "UAE-DUBAI"),
	}}
	r := New(cat)

	res, err := r.ResolvePersona(context.Background(), "sv-1", "UAE-DUBAI")
	require.NoError(t, err)
	assert.Equal(t, "p-local", res.Persona.PersonaID)
	assert.Equal(t, contracts.ScopeLocal, res.Scope)
	assert.Equal(t, "LOCAL(UAE-DUBAI)", res.Path)
}

func TestResolvePersonaRegionalByLeadingSegment(t *testing.T) {
	cat := &fakeCatalog{personas: []contracts.Persona{
		persona("p-global", contracts.ScopeGlobal, ""),
		persona("p-uae", contracts.ScopeRegional, "UAE"),
	}}
	r := New(cat)

	res, err := r.ResolvePersona(context.Background(), "sv-1", "UAE-DUBAI")
	require.NoError(t, err)
	assert.Equal(t, "p-uae", res.Persona.PersonaID)
	assert.Equal(t, contracts.ScopeRegional, res.Scope)
	assert.Equal(t, "LOCAL(UAE-DUBAI) → REGIONAL(UAE)", res.Path)
}

func TestResolvePersonaRegionalByStoredPrefix(t *testing.T) {
	cat := &fakeCatalog{personas: []contracts.Persona{
		persona("p-dubai", contracts.ScopeRegional, "UAE-DUBAI"),
	}}
	r := New(cat)

	res, err := r.ResolvePersona(context.Background(), "sv-1", "UAE-DUBAI-MARINA")
	require.NoError(t, err)
	assert.Equal(t, "p-dubai", res.Persona.PersonaID)
	assert.Equal(t, "LOCAL(UAE-DUBAI-MARINA) → REGIONAL(UAE-DUBAI)", res.Path)
}

func TestResolvePersonaGlobalFallbackPath(t *testing.T) {
	cat := &fakeCatalog{personas: []contracts.Persona{
		persona("p-global", contracts.ScopeGlobal, ""),
	}}
	r := New(cat)

	res, err := r.ResolvePersona(context.Background(), "sv-1", "UAE-DUBAI")
	require.NoError(t, err)
	assert.Equal(t, contracts.ScopeGlobal, res.Scope)
	assert.Equal(t, "LOCAL(UAE-DUBAI) → REGIONAL(none) → GLOBAL", res.Path)
}

func TestResolvePersonaEmptyRegionSkipsToGlobal(t *testing.T) {
	cat := &fakeCatalog{personas: []contracts.Persona{
		persona("p-local", contracts.ScopeLocal, "UAE-DUBAI"),
		persona("p-global", contracts.ScopeGlobal, ""),
	}}
	r := New(cat)

	res, err := r.ResolvePersona(context.Background(), "sv-1", "")
	require.NoError(t, err)
	assert.Equal(t, "p-global", res.Persona.PersonaID)
	assert.Equal(t, "LOCAL(none) → REGIONAL(none) → GLOBAL", res.Path)
}

func TestResolvePersonaNotResolved(t *testing.T) {
	r := New(&fakeCatalog{})

	_, err := r.ResolvePersona(context.Background(), "sv-1", "UAE")
	require.Error(t, err)
	assert.Equal(t, contracts.CodePersonaNotResolved, contracts.CodeOf(err))
	assert.False(t, contracts.IsRetryable(err))
}

func TestResolvePersonaCaseSensitiveCodes(t *testing.T) {
	cat := &fakeCatalog{personas: []contracts.Persona{
		persona("p-local", contracts.ScopeLocal, "UAE-DUBAI"),
	}}
	r := New(cat)

	_, err := r.ResolvePersona(context.Background(), "sv-1", "uae-dubai")
	assert.Equal(t, contracts.CodePersonaNotResolved, contracts.CodeOf(err))
}

func TestResolvePersonaCatalogFailureIsRetryable(t *testing.T) {
	r := New(&fakeCatalog{err: errors.New("connection reset")})

	_, err := r.ResolvePersona(context.Background(), "sv-1", "UAE")
	require.Error(t, err)
	assert.True(t, contracts.IsRetryable(err))
}

func TestGetActivePolicy(t *testing.T) {
	cat := &fakeCatalog{policies: map[string][]contracts.PersonaPolicy{
		"p-one": {{PolicyID: "pol-1", PersonaID: "p-one", PolicyVersion: 3, Status: contracts.PolicyActive}},
		"p-dup": {
			{PolicyID: "pol-a", PersonaID: "p-dup", PolicyVersion: 1, Status: contracts.PolicyActive},
			{PolicyID: "pol-b", PersonaID: "p-dup", PolicyVersion: 2, Status: contracts.PolicyActive},
		},
	}}
	r := New(cat)
	ctx := context.Background()

	pol, err := r.GetActivePolicy(ctx, "p-one")
	require.NoError(t, err)
	assert.Equal(t, "pol-1", pol.PolicyID)
	assert.Equal(t, 3, pol.PolicyVersion)

	_, err = r.GetActivePolicy(ctx, "p-none")
	assert.Equal(t, contracts.CodePolicyNotFound, contracts.CodeOf(err))

	_, err = r.GetActivePolicy(ctx, "p-dup")
	assert.Equal(t, contracts.CodeMultipleActivePolicies, contracts.CodeOf(err))
}

func territory(id, slug string, level contracts.TerritoryLevel, region, country string, coverage contracts.CoverageType) contracts.Territory {
	return contracts.Territory{
		TerritoryID:  id,
		Slug:         slug,
		Name:         slug,
		Level:        level,
		RegionCode:   region,
		CountryCode:  country,
		CoverageType: coverage,
		Status:       contracts.StatusActive,
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestResolveTerritoryDepths(t *testing.T) {
	cat := &fakeCatalog{territories: []contracts.Territory{
		territory("t-dxb", "uae-dubai", contracts.LevelState, "UAE-DUBAI", "UAE", contracts.CoverageSingle),
		territory("t-uae", "uae", contracts.LevelCountry, "", "UAE", contracts.CoverageMulti),
		territory("t-glob", "global", contracts.LevelGlobal, "", "", contracts.CoverageGlobal),
	}}
	r := New(cat)
	ctx := context.Background()

	res, err := r.ResolveTerritory(ctx, "UAE-DUBAI", "")
	require.NoError(t, err)
	assert.Equal(t, "t-dxb", res.Territory.TerritoryID)
	assert.Equal(t, 1, res.Depth)
	assert.Equal(t, "region_code(UAE-DUBAI)", res.Path)

	res, err = r.ResolveTerritory(ctx, "UAE-ABUDHABI", "")
	require.NoError(t, err)
	assert.Equal(t, "t-uae", res.Territory.TerritoryID)
	assert.Equal(t, 2, res.Depth)
	assert.Equal(t, "region_code(UAE-ABUDHABI) → country_code(UAE)", res.Path)

	res, err = r.ResolveTerritory(ctx, "FR", "")
	require.NoError(t, err)
	assert.Equal(t, "t-glob", res.Territory.TerritoryID)
	assert.Equal(t, 5, res.Depth)
}

func TestResolveTerritorySlugAndNameCaseInsensitive(t *testing.T) {
	cat := &fakeCatalog{territories: []contracts.Territory{
		{
			TerritoryID:  "t-ind",
			Slug:         "india-south",
			Name:         "India South",
			Level:        contracts.LevelRegion,
			CoverageType: contracts.CoverageMulti,
			Status:       contracts.StatusActive,
			CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}}
	r := New(cat)
	ctx := context.Background()

	res, err := r.ResolveTerritory(ctx, "INDIA-SOUTH", "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Depth)

	res, err = r.ResolveTerritory(ctx, "india south", "")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Depth)
}

func TestResolveTerritorySmallestDepthWins(t *testing.T) {
	// "UAE" matches t-exact at depth 1 and t-slug's slug at depth 3;
	// the shallower probe must win.
	cat := &fakeCatalog{territories: []contracts.Territory{
		territory("t-slug", "uae", contracts.LevelCountry, "", "", contracts.CoverageMulti),
		territory("t-exact", "gulf", contracts.LevelRegion, "UAE", "", contracts.CoverageMulti),
	}}
	r := New(cat)

	res, err := r.ResolveTerritory(context.Background(), "UAE", "")
	require.NoError(t, err)
	assert.Equal(t, "t-exact", res.Territory.TerritoryID)
	assert.Equal(t, 1, res.Depth)
}

func TestResolveTerritoryTieBreaksOnSpecificityThenAge(t *testing.T) {
	older := territory("t-b", "north", contracts.LevelState, "IN-N", "IN", contracts.CoverageSingle)
	older.CreatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	newer := territory("t-a", "north-d", contracts.LevelDistrict, "IN-N", "IN", contracts.CoverageSingle)

	r := New(&fakeCatalog{territories: []contracts.Territory{older, newer}})

	res, err := r.ResolveTerritory(context.Background(), "IN-N", "")
	require.NoError(t, err)
	// district outranks state even though the state row is older
	assert.Equal(t, "t-a", res.Territory.TerritoryID)

	peer := territory("t-c", "north-d2", contracts.LevelDistrict, "IN-N", "IN", contracts.CoverageSingle)
	peer.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r = New(&fakeCatalog{territories: []contracts.Territory{newer, peer}})

	res, err = r.ResolveTerritory(context.Background(), "IN-N", "")
	require.NoError(t, err)
	assert.Equal(t, "t-c", res.Territory.TerritoryID)
}

func TestResolveTerritoryNotConfigured(t *testing.T) {
	r := New(&fakeCatalog{territories: []contracts.Territory{
		territory("t-uae", "uae", contracts.LevelCountry, "", "UAE", contracts.CoverageMulti),
	}})

	_, err := r.ResolveTerritory(context.Background(), "BR", "")
	assert.Equal(t, contracts.CodeTerritoryNotConfigured, contracts.CodeOf(err))
}

func TestCoverageGate(t *testing.T) {
	single := territory("t-single", "dubai", contracts.LevelDistrict, "UAE-DUBAI", "UAE", contracts.CoverageSingle)
	cat := &fakeCatalog{
		territories: []contracts.Territory{single},
		bindings:    map[string]bool{"t-single|sv-bound": true},
	}
	r := New(cat)
	ctx := context.Background()

	// SINGLE coverage without a binding is rejected.
	_, err := r.ResolveTerritory(ctx, "UAE-DUBAI", "sv-other")
	assert.Equal(t, contracts.CodeTerritoryNotConfiguredForSubVert, contracts.CodeOf(err))

	// An explicit binding admits the sub-vertical.
	res, err := r.ResolveTerritory(ctx, "UAE-DUBAI", "sv-bound")
	require.NoError(t, err)
	assert.Equal(t, "t-single", res.Territory.TerritoryID)

	// MULTI coverage needs no binding.
	multi := territory("t-multi", "uae", contracts.LevelCountry, "UAE-DUBAI", "UAE", contracts.CoverageMulti)
	r = New(&fakeCatalog{territories: []contracts.Territory{multi}})
	_, err = r.ResolveTerritory(ctx, "UAE-DUBAI", "sv-any")
	require.NoError(t, err)
}
