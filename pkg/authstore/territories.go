package authstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// CreateTerritoryParams carries the fields for a new territory. An empty
// CoverageType takes the level's default.
type CreateTerritoryParams struct {
	Slug         string
	Name         string
	Level        contracts.TerritoryLevel
	RegionCode   string
	CountryCode  string
	CoverageType contracts.CoverageType
	Actor        contracts.Actor
}

// CreateTerritory inserts an ACTIVE territory.
func (s *Store) CreateTerritory(ctx context.Context, p CreateTerritoryParams) (*contracts.Territory, error) {
	if p.Slug == "" || p.Name == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "territory slug and name are required")
	}
	if p.Level.Specificity() == 0 {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "unknown territory level %q", p.Level)
	}
	coverage := p.CoverageType
	if coverage == "" {
		coverage = contracts.DefaultCoverage(p.Level)
	}

	ter := &contracts.Territory{
		TerritoryID:  s.newID(),
		Slug:         p.Slug,
		Name:         p.Name,
		Level:        p.Level,
		RegionCode:   p.RegionCode,
		CountryCode:  p.CountryCode,
		CoverageType: coverage,
		Status:       contracts.StatusActive,
		CreatedAt:    s.clock(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO territories (territory_id, slug, name, level, region_code, country_code, coverage_type, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ter.TerritoryID, ter.Slug, ter.Name, string(ter.Level),
			nullIfEmpty(ter.RegionCode), nullIfEmpty(ter.CountryCode),
			string(ter.CoverageType), string(ter.Status), fmtTime(ter.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("authstore: insert territory: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: p.Actor.ID, ActorRole: p.Actor.Role,
			Action: "territory.create", TargetType: "territory", TargetID: ter.TerritoryID,
			Success:  true,
			Metadata: map[string]any{"slug": ter.Slug, "level": string(ter.Level)},
		})
	})
	if err != nil {
		return nil, err
	}
	return ter, nil
}

// GetTerritory returns one territory by id.
func (s *Store) GetTerritory(ctx context.Context, territoryID string) (*contracts.Territory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT territory_id, slug, name, level, region_code, country_code, coverage_type, status, created_at
		 FROM territories WHERE territory_id = $1`, territoryID)
	return scanTerritory(row)
}

// ActiveTerritories returns every ACTIVE territory, the resolver's
// candidate set.
func (s *Store) ActiveTerritories(ctx context.Context) ([]contracts.Territory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT territory_id, slug, name, level, region_code, country_code, coverage_type, status, created_at
		 FROM territories WHERE status = $1
		 ORDER BY created_at, territory_id`, string(contracts.StatusActive))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Territory
	for rows.Next() {
		t, err := scanTerritory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// BindSubVertical creates an explicit territory to sub-vertical binding,
// which satisfies the coverage gate regardless of coverage type.
func (s *Store) BindSubVertical(ctx context.Context, territoryID, subVertical string, actor contracts.Actor) error {
	if _, err := s.GetTerritory(ctx, territoryID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.NewKernelErrorf(contracts.CodeNotFound, "territory %s not found", territoryID)
		}
		return err
	}

	now := s.clock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO territory_sub_verticals (territory_id, sub_vertical_id, created_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (territory_id, sub_vertical_id) DO NOTHING`,
			territoryID, subVertical, fmtTime(now))
		if err != nil {
			return fmt.Errorf("authstore: bind sub vertical: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: actor.ID, ActorRole: actor.Role,
			Action: "territory.bind_sub_vertical", TargetType: "territory", TargetID: territoryID,
			Success:  true,
			Metadata: map[string]any{"sub_vertical_id": subVertical},
		})
	})
}

// SubVerticalBound reports whether an explicit binding exists.
func (s *Store) SubVerticalBound(ctx context.Context, territoryID, subVertical string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM territory_sub_verticals
		 WHERE territory_id = $1 AND sub_vertical_id = $2`,
		territoryID, subVertical)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanTerritory(row rowScanner) (*contracts.Territory, error) {
	var (
		t           contracts.Territory
		level       string
		regionCode  sql.NullString
		countryCode sql.NullString
		coverage    string
		status      string
		createdAt   string
	)
	err := row.Scan(&t.TerritoryID, &t.Slug, &t.Name, &level, &regionCode, &countryCode, &coverage, &status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Level = contracts.TerritoryLevel(level)
	t.RegionCode = regionCode.String
	t.CountryCode = countryCode.String
	t.CoverageType = contracts.CoverageType(coverage)
	t.Status = contracts.EntityStatus(status)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}
