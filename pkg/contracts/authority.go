package contracts

import "time"

// EnterpriseType distinguishes production tenants from demo sandboxes.
type EnterpriseType string

const (
	EnterpriseReal EnterpriseType = "REAL"
	EnterpriseDemo EnterpriseType = "DEMO"
)

// EntityStatus is the shared lifecycle status for authority entities.
type EntityStatus string

const (
	StatusActive    EntityStatus = "ACTIVE"
	StatusSuspended EntityStatus = "SUSPENDED"
	StatusDeleted   EntityStatus = "DELETED"
)

// ExecutionMode marks whether an identity operates on real or demo data.
type ExecutionMode string

const (
	ModeReal ExecutionMode = "REAL"
	ModeDemo ExecutionMode = "DEMO"
)

// Enterprise is the tenancy root. EnterpriseID is immutable and no child
// entity may ever be reassigned to a different enterprise.
type Enterprise struct {
	EnterpriseID string         `json:"enterprise_id"`
	Name         string         `json:"name"`
	Type         EnterpriseType `json:"type"`
	Region       string         `json:"region"`
	Status       EntityStatus   `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Workspace is pinned to one enterprise forever. Soft delete only.
type Workspace struct {
	WorkspaceID  string       `json:"workspace_id"`
	EnterpriseID string       `json:"enterprise_id"`
	SubVertical  string       `json:"sub_vertical_id"`
	Name         string       `json:"name"`
	Status       EntityStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	DeletedAt    *time.Time   `json:"deleted_at,omitempty"`
	DeletedBy    string       `json:"deleted_by,omitempty"`
}

// ExecutionIdentity pins a request principal to an enterprise and
// workspace. Both pins are immutable for the identity's lifetime.
type ExecutionIdentity struct {
	UserID       string        `json:"user_id"`
	EnterpriseID string        `json:"enterprise_id"`
	WorkspaceID  string        `json:"workspace_id"`
	SubVertical  string        `json:"sub_vertical_id"`
	Role         Role          `json:"role"`
	Mode         ExecutionMode `json:"mode"`
	Status       EntityStatus  `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
}

// PersonaScope orders persona inheritance: LOCAL is probed first,
// then REGIONAL, then GLOBAL.
type PersonaScope string

const (
	ScopeGlobal   PersonaScope = "GLOBAL"
	ScopeRegional PersonaScope = "REGIONAL"
	ScopeLocal    PersonaScope = "LOCAL"
)

// Persona is an addressable reasoning configuration. RegionCode is set
// for LOCAL and REGIONAL scopes and empty for GLOBAL.
type Persona struct {
	PersonaID   string       `json:"persona_id"`
	Name        string       `json:"name"`
	Scope       PersonaScope `json:"scope"`
	SubVertical string       `json:"sub_vertical_id"`
	RegionCode  string       `json:"region_code,omitempty"`
	IsActive    bool         `json:"is_active"`
	CreatedAt   time.Time    `json:"created_at"`
}

// PolicyStatus is the persona-policy lifecycle. At most one policy per
// persona may be ACTIVE at any instant.
type PolicyStatus string

const (
	PolicyDraft      PolicyStatus = "DRAFT"
	PolicyStaged     PolicyStatus = "STAGED"
	PolicyActive     PolicyStatus = "ACTIVE"
	PolicyDeprecated PolicyStatus = "DEPRECATED"
)

// PersonaPolicy is one versioned behavioral spec for a persona.
type PersonaPolicy struct {
	PolicyID      string       `json:"policy_id"`
	PersonaID     string       `json:"persona_id"`
	PolicyVersion int          `json:"policy_version"`
	Status        PolicyStatus `json:"status"`
	Content       string       `json:"content,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// TerritoryLevel orders territories from widest to narrowest coverage.
type TerritoryLevel string

const (
	LevelGlobal   TerritoryLevel = "global"
	LevelRegion   TerritoryLevel = "region"
	LevelCountry  TerritoryLevel = "country"
	LevelState    TerritoryLevel = "state"
	LevelDistrict TerritoryLevel = "district"
)

// Specificity ranks levels for tie-breaking: narrower levels win.
func (l TerritoryLevel) Specificity() int {
	switch l {
	case LevelDistrict:
		return 5
	case LevelState:
		return 4
	case LevelCountry:
		return 3
	case LevelRegion:
		return 2
	case LevelGlobal:
		return 1
	}
	return 0
}

// CoverageType constrains which sub-verticals a territory serves without
// an explicit binding.
type CoverageType string

const (
	CoverageSingle CoverageType = "SINGLE"
	CoverageMulti  CoverageType = "MULTI"
	CoverageGlobal CoverageType = "GLOBAL"
)

// DefaultCoverage returns the coverage a level implies when none is set:
// global territories cover everything, region and country territories
// cover multiple sub-verticals, narrower ones cover exactly one.
func DefaultCoverage(level TerritoryLevel) CoverageType {
	switch level {
	case LevelGlobal:
		return CoverageGlobal
	case LevelRegion, LevelCountry:
		return CoverageMulti
	}
	return CoverageSingle
}

// Territory is a hierarchical geographic or organizational scope.
type Territory struct {
	TerritoryID  string         `json:"territory_id"`
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	Level        TerritoryLevel `json:"level"`
	RegionCode   string         `json:"region_code,omitempty"`
	CountryCode  string         `json:"country_code,omitempty"`
	CoverageType CoverageType   `json:"coverage_type"`
	Status       EntityStatus   `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
}
