package authstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// CreateEnterpriseParams carries the fields for a new enterprise.
type CreateEnterpriseParams struct {
	Name   string
	Type   contracts.EnterpriseType
	Region string
	Actor  contracts.Actor
}

// CreateEnterprise inserts a new ACTIVE enterprise.
func (s *Store) CreateEnterprise(ctx context.Context, p CreateEnterpriseParams) (*contracts.Enterprise, error) {
	if p.Name == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "enterprise name is required")
	}
	if p.Region == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "enterprise region is required")
	}
	if p.Type != contracts.EnterpriseReal && p.Type != contracts.EnterpriseDemo {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "unknown enterprise type %q", p.Type)
	}

	ent := &contracts.Enterprise{
		EnterpriseID: s.newID(),
		Name:         p.Name,
		Type:         p.Type,
		Region:       p.Region,
		Status:       contracts.StatusActive,
		CreatedAt:    s.clock(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO enterprises (enterprise_id, name, type, region, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ent.EnterpriseID, ent.Name, string(ent.Type), ent.Region, string(ent.Status), fmtTime(ent.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("authstore: insert enterprise: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: p.Actor.ID, ActorRole: p.Actor.Role,
			Action: "enterprise.create", TargetType: "enterprise", TargetID: ent.EnterpriseID,
			EnterpriseID: ent.EnterpriseID, Success: true,
			Metadata: map[string]any{"name": ent.Name, "type": string(ent.Type)},
		})
	})
	if err != nil {
		return nil, err
	}
	return ent, nil
}

// GetEnterprise returns one enterprise by id.
func (s *Store) GetEnterprise(ctx context.Context, enterpriseID string) (*contracts.Enterprise, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT enterprise_id, name, type, region, status, created_at
		 FROM enterprises WHERE enterprise_id = $1`, enterpriseID)

	var (
		ent       contracts.Enterprise
		entType   string
		status    string
		createdAt string
	)
	err := row.Scan(&ent.EnterpriseID, &ent.Name, &entType, &ent.Region, &status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ent.Type = contracts.EnterpriseType(entType)
	ent.Status = contracts.EntityStatus(status)
	ent.CreatedAt = parseTime(createdAt)
	return &ent, nil
}

// SetEnterpriseStatus moves an enterprise between ACTIVE, SUSPENDED and
// DELETED.
func (s *Store) SetEnterpriseStatus(ctx context.Context, enterpriseID string, status contracts.EntityStatus, actor contracts.Actor) error {
	switch status {
	case contracts.StatusActive, contracts.StatusSuspended, contracts.StatusDeleted:
	default:
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed, "unknown status %q", status)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE enterprises SET status = $1 WHERE enterprise_id = $2`,
			string(status), enterpriseID)
		if err != nil {
			return fmt.Errorf("authstore: update enterprise status: %w", err)
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
			Action: "enterprise.set_status", TargetType: "enterprise", TargetID: enterpriseID,
			EnterpriseID: enterpriseID, Success: true,
			Metadata: map[string]any{"status": string(status)},
		})
	})
}
