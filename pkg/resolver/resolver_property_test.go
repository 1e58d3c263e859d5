//go:build property
// +build property

// Package resolver_test contains property-based tests for scope precedence
// and territory depth selection.
package resolver_test

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/resolver"
)

type sliceCatalog struct {
	personas    []contracts.Persona
	territories []contracts.Territory
}

func (c *sliceCatalog) ActivePersonas(_ context.Context, subVertical string) ([]contracts.Persona, error) {
	var out []contracts.Persona
	for _, p := range c.personas {
		if p.SubVertical == subVertical && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *sliceCatalog) ActivePolicies(context.Context, string) ([]contracts.PersonaPolicy, error) {
	return nil, nil
}

func (c *sliceCatalog) ActiveTerritories(context.Context) ([]contracts.Territory, error) {
	return c.territories, nil
}

func (c *sliceCatalog) SubVerticalBound(context.Context, string, string) (bool, error) {
	return false, nil
}

// TestScopePrecedence verifies the inheritance order is total.
// Property: for any subset of matching scopes, the most specific wins.
func TestScopePrecedence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("most specific matching scope always wins", prop.ForAll(
		func(country, city string, hasLocal, hasRegional, hasGlobal bool) bool {
			if country == "" || city == "" {
				return true // Skip degenerate codes
			}
			code := strings.ToUpper(country) + "-" + strings.ToUpper(city)

			cat := &sliceCatalog{}
			if hasLocal {
				cat.personas = append(cat.personas, contracts.Persona{
					PersonaID: "p-local", Scope: contracts.ScopeLocal,
					SubVertical: "sv", RegionCode: code, IsActive: true,
				})
			}
			if hasRegional {
				cat.personas = append(cat.personas, contracts.Persona{
					PersonaID: "p-regional", Scope: contracts.ScopeRegional,
					SubVertical: "sv", RegionCode: strings.ToUpper(country), IsActive: true,
				})
			}
			if hasGlobal {
				cat.personas = append(cat.personas, contracts.Persona{
					PersonaID: "p-global", Scope: contracts.ScopeGlobal,
					SubVertical: "sv", IsActive: true,
				})
			}

			res, err := resolver.New(cat).ResolvePersona(context.Background(), "sv", code)
			switch {
			case hasLocal:
				return err == nil && res.Scope == contracts.ScopeLocal
			case hasRegional:
				return err == nil && res.Scope == contracts.ScopeRegional
			case hasGlobal:
				return err == nil && res.Scope == contracts.ScopeGlobal
			default:
				return contracts.IsCode(err, contracts.CodePersonaNotResolved)
			}
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestPersonaPathEchoesRequest verifies the requested code always appears
// in the path's LOCAL segment.
func TestPersonaPathEchoesRequest(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("path opens with the requested code", prop.ForAll(
		func(code string) bool {
			cat := &sliceCatalog{personas: []contracts.Persona{{
				PersonaID: "p-global", Scope: contracts.ScopeGlobal,
				SubVertical: "sv", IsActive: true,
			}}}

			res, err := resolver.New(cat).ResolvePersona(context.Background(), "sv", code)
			if err != nil {
				return false
			}
			want := code
			if want == "" {
				want = "none"
			}
			return strings.HasPrefix(res.Path, "LOCAL("+want+")")
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestTerritoryDepthBounds verifies resolution depth stays in 1..5 and a
// global territory makes resolution total.
func TestTerritoryDepthBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("depth is always within 1..5", prop.ForAll(
		func(code string, exact bool) bool {
			cat := &sliceCatalog{territories: []contracts.Territory{{
				TerritoryID: "t-global", Slug: "global", Name: "Global",
				Level: contracts.LevelGlobal, CoverageType: contracts.CoverageGlobal,
				Status: contracts.StatusActive,
			}}}
			if exact && code != "" {
				cat.territories = append(cat.territories, contracts.Territory{
					TerritoryID: "t-exact", Slug: "exact", Name: "Exact",
					Level: contracts.LevelState, RegionCode: code,
					CoverageType: contracts.CoverageSingle,
					Status:       contracts.StatusActive,
				})
			}

			res, err := resolver.New(cat).ResolveTerritory(context.Background(), code, "")
			if err != nil {
				return false
			}
			if exact && code != "" {
				return res.Depth == 1 && res.Territory.TerritoryID == "t-exact"
			}
			return res.Depth >= 1 && res.Depth <= 5
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
