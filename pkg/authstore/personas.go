package authstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// CreatePersonaParams carries the fields for a new persona.
type CreatePersonaParams struct {
	Name        string
	Scope       contracts.PersonaScope
	SubVertical string
	RegionCode  string
	IsActive    bool
	Actor       contracts.Actor
}

// CreatePersona inserts a persona. REGIONAL and LOCAL scopes require a
// region code; GLOBAL forbids one.
func (s *Store) CreatePersona(ctx context.Context, p CreatePersonaParams) (*contracts.Persona, error) {
	if p.Name == "" || p.SubVertical == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "persona name and sub_vertical_id are required")
	}
	switch p.Scope {
	case contracts.ScopeLocal, contracts.ScopeRegional:
		if p.RegionCode == "" {
			return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "%s persona requires a region_code", p.Scope)
		}
	case contracts.ScopeGlobal:
		if p.RegionCode != "" {
			return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "GLOBAL persona must not carry a region_code")
		}
	default:
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "unknown persona scope %q", p.Scope)
	}

	per := &contracts.Persona{
		PersonaID:   s.newID(),
		Name:        p.Name,
		Scope:       p.Scope,
		SubVertical: p.SubVertical,
		RegionCode:  p.RegionCode,
		IsActive:    p.IsActive,
		CreatedAt:   s.clock(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO personas (persona_id, name, scope, sub_vertical_id, region_code, is_active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			per.PersonaID, per.Name, string(per.Scope), per.SubVertical,
			nullIfEmpty(per.RegionCode), boolToInt(per.IsActive), fmtTime(per.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("authstore: insert persona: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: p.Actor.ID, ActorRole: p.Actor.Role,
			Action: "persona.create", TargetType: "persona", TargetID: per.PersonaID,
			Success:  true,
			Metadata: map[string]any{"scope": string(per.Scope), "sub_vertical_id": per.SubVertical},
		})
	})
	if err != nil {
		return nil, err
	}
	return per, nil
}

// GetPersona returns one persona by id.
func (s *Store) GetPersona(ctx context.Context, personaID string) (*contracts.Persona, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT persona_id, name, scope, sub_vertical_id, region_code, is_active, created_at
		 FROM personas WHERE persona_id = $1`, personaID)
	return scanPersona(row)
}

// SetPersonaActive flips the persona's resolution eligibility.
func (s *Store) SetPersonaActive(ctx context.Context, personaID string, active bool, actor contracts.Actor) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE personas SET is_active = $1 WHERE persona_id = $2`,
			boolToInt(active), personaID)
		if err != nil {
			return fmt.Errorf("authstore: set persona active: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: actor.ID, ActorRole: actor.Role,
			Action: "persona.set_active", TargetType: "persona", TargetID: personaID,
			Success:  true,
			Metadata: map[string]any{"is_active": active},
		})
	})
}

// ActivePersonas returns the active personas of one sub-vertical, the
// resolver's probe set.
func (s *Store) ActivePersonas(ctx context.Context, subVertical string) ([]contracts.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona_id, name, scope, sub_vertical_id, region_code, is_active, created_at
		 FROM personas WHERE sub_vertical_id = $1 AND is_active = 1
		 ORDER BY created_at, persona_id`, subVertical)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePolicyParams carries the fields for a new policy version.
type CreatePolicyParams struct {
	PersonaID string
	Content   string
	Actor     contracts.Actor
}

// CreatePolicy inserts the next DRAFT policy version for a persona.
// Versions are monotonic per persona starting at 1.
func (s *Store) CreatePolicy(ctx context.Context, p CreatePolicyParams) (*contracts.PersonaPolicy, error) {
	if _, err := s.GetPersona(ctx, p.PersonaID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "persona %s not found", p.PersonaID)
		}
		return nil, err
	}

	pol := &contracts.PersonaPolicy{
		PolicyID:  s.newID(),
		PersonaID: p.PersonaID,
		Status:    contracts.PolicyDraft,
		Content:   p.Content,
		CreatedAt: s.clock(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(policy_version), 0) FROM persona_policies WHERE persona_id = $1`,
			p.PersonaID)
		var maxVersion int
		if err := row.Scan(&maxVersion); err != nil {
			return fmt.Errorf("authstore: next policy version: %w", err)
		}
		pol.PolicyVersion = maxVersion + 1

		_, err := tx.ExecContext(ctx,
			`INSERT INTO persona_policies (policy_id, persona_id, policy_version, status, content, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			pol.PolicyID, pol.PersonaID, pol.PolicyVersion, string(pol.Status), pol.Content, fmtTime(pol.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("authstore: insert policy: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: p.Actor.ID, ActorRole: p.Actor.Role,
			Action: "policy.create", TargetType: "policy", TargetID: pol.PolicyID,
			Success:  true,
			Metadata: map[string]any{"persona_id": pol.PersonaID, "policy_version": pol.PolicyVersion},
		})
	})
	if err != nil {
		return nil, err
	}
	return pol, nil
}

// ActivatePolicy promotes one policy version to ACTIVE and, in the same
// transaction, deprecates whichever version was active before. The
// partial-unique index backs this up at the schema level.
func (s *Store) ActivatePolicy(ctx context.Context, policyID string, actor contracts.Actor) (*contracts.PersonaPolicy, error) {
	pol, err := s.GetPolicy(ctx, policyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "policy %s not found", policyID)
		}
		return nil, err
	}
	if pol.Status == contracts.PolicyActive {
		return pol, nil
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE persona_policies SET status = $1 WHERE persona_id = $2 AND status = $3`,
			string(contracts.PolicyDeprecated), pol.PersonaID, string(contracts.PolicyActive))
		if err != nil {
			return fmt.Errorf("authstore: deprecate active policy: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE persona_policies SET status = $1 WHERE policy_id = $2`,
			string(contracts.PolicyActive), policyID)
		if err != nil {
			return fmt.Errorf("authstore: activate policy: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: actor.ID, ActorRole: actor.Role,
			Action: "policy.activate", TargetType: "policy", TargetID: policyID,
			Success:  true,
			Metadata: map[string]any{"persona_id": pol.PersonaID, "policy_version": pol.PolicyVersion},
		})
	})
	if err != nil {
		return nil, err
	}
	pol.Status = contracts.PolicyActive
	return pol, nil
}

// SetPolicyStatus moves a policy between non-ACTIVE states. Activation
// must go through ActivatePolicy so the one-active invariant holds.
func (s *Store) SetPolicyStatus(ctx context.Context, policyID string, status contracts.PolicyStatus, actor contracts.Actor) error {
	switch status {
	case contracts.PolicyDraft, contracts.PolicyStaged, contracts.PolicyDeprecated:
	case contracts.PolicyActive:
		return contracts.NewKernelError(contracts.CodeValidationFailed, "use ActivatePolicy to promote a policy")
	default:
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed, "unknown policy status %q", status)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE persona_policies SET status = $1 WHERE policy_id = $2`,
			string(status), policyID)
		if err != nil {
			return fmt.Errorf("authstore: set policy status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: actor.ID, ActorRole: actor.Role,
			Action: "policy.set_status", TargetType: "policy", TargetID: policyID,
			Success:  true,
			Metadata: map[string]any{"status": string(status)},
		})
	})
}

// GetPolicy returns one policy by id.
func (s *Store) GetPolicy(ctx context.Context, policyID string) (*contracts.PersonaPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT policy_id, persona_id, policy_version, status, content, created_at
		 FROM persona_policies WHERE policy_id = $1`, policyID)
	return scanPolicy(row)
}

// ActivePolicies returns every ACTIVE policy of a persona. The resolver
// treats zero as POLICY_NOT_FOUND and more than one as corruption.
func (s *Store) ActivePolicies(ctx context.Context, personaID string) ([]contracts.PersonaPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_id, persona_id, policy_version, status, content, created_at
		 FROM persona_policies WHERE persona_id = $1 AND status = $2
		 ORDER BY policy_version`, personaID, string(contracts.PolicyActive))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.PersonaPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanPersona(row rowScanner) (*contracts.Persona, error) {
	var (
		p          contracts.Persona
		scope      string
		regionCode sql.NullString
		isActive   int
		createdAt  string
	)
	err := row.Scan(&p.PersonaID, &p.Name, &scope, &p.SubVertical, &regionCode, &isActive, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Scope = contracts.PersonaScope(scope)
	p.RegionCode = regionCode.String
	p.IsActive = isActive != 0
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func scanPolicy(row rowScanner) (*contracts.PersonaPolicy, error) {
	var (
		p         contracts.PersonaPolicy
		status    string
		content   sql.NullString
		createdAt string
	)
	err := row.Scan(&p.PolicyID, &p.PersonaID, &p.PolicyVersion, &status, &content, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = contracts.PolicyStatus(status)
	p.Content = content.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
