package authstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// CreateIdentityParams carries the fields for a new execution identity.
type CreateIdentityParams struct {
	EnterpriseID string
	WorkspaceID  string
	SubVertical  string
	Role         contracts.Role
	Mode         contracts.ExecutionMode
	Actor        contracts.Actor
}

// CreateIdentity inserts an execution identity pinned to its workspace and
// enterprise. A declared enterprise that differs from the workspace's is
// rejected with CROSS_ENTERPRISE_FORBIDDEN before any row changes.
func (s *Store) CreateIdentity(ctx context.Context, p CreateIdentityParams) (*contracts.ExecutionIdentity, error) {
	if !contracts.ValidIdentityRole(p.Role) {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "role %q is not assignable", p.Role)
	}
	if p.Mode != contracts.ModeReal && p.Mode != contracts.ModeDemo {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "unknown mode %q", p.Mode)
	}

	ws, err := s.GetWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "workspace %s not found", p.WorkspaceID)
		}
		return nil, err
	}
	if ws.EnterpriseID != p.EnterpriseID {
		s.denied(ctx, p.Actor, "identity.create", "workspace", p.WorkspaceID, ws.EnterpriseID, contracts.CodeCrossEnterpriseForbidden)
		return nil, contracts.NewKernelErrorf(contracts.CodeCrossEnterpriseForbidden,
			"workspace %s belongs to enterprise %s, not %s", p.WorkspaceID, ws.EnterpriseID, p.EnterpriseID)
	}

	sub := p.SubVertical
	if sub == "" {
		sub = ws.SubVertical
	}
	id := &contracts.ExecutionIdentity{
		UserID:       s.newID(),
		EnterpriseID: ws.EnterpriseID,
		WorkspaceID:  ws.WorkspaceID,
		SubVertical:  sub,
		Role:         p.Role,
		Mode:         p.Mode,
		Status:       contracts.StatusActive,
		CreatedAt:    s.clock(),
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO execution_identities (user_id, enterprise_id, workspace_id, sub_vertical_id, role, mode, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id.UserID, id.EnterpriseID, id.WorkspaceID, id.SubVertical,
			string(id.Role), string(id.Mode), string(id.Status), fmtTime(id.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("authstore: insert identity: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: p.Actor.ID, ActorRole: p.Actor.Role,
			Action: "identity.create", TargetType: "identity", TargetID: id.UserID,
			EnterpriseID: id.EnterpriseID, Success: true,
			Metadata: map[string]any{"workspace_id": id.WorkspaceID, "role": string(id.Role)},
		})
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

// GetIdentity returns one live execution identity by id.
func (s *Store) GetIdentity(ctx context.Context, userID string) (*contracts.ExecutionIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, enterprise_id, workspace_id, sub_vertical_id, role, mode, status, created_at, deleted_at
		 FROM execution_identities WHERE user_id = $1 AND deleted_at IS NULL`, userID)

	var (
		id        contracts.ExecutionIdentity
		role      string
		mode      string
		status    string
		createdAt string
		deletedAt sql.NullString
	)
	err := row.Scan(&id.UserID, &id.EnterpriseID, &id.WorkspaceID, &id.SubVertical,
		&role, &mode, &status, &createdAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id.Role = contracts.Role(role)
	id.Mode = contracts.ExecutionMode(mode)
	id.Status = contracts.EntityStatus(status)
	id.CreatedAt = parseTime(createdAt)
	id.DeletedAt = parseTimePtr(deletedAt)
	return &id, nil
}

// UpdateIdentityParams names the mutable identity fields. Pins are
// accepted so violation attempts can be rejected loudly.
type UpdateIdentityParams struct {
	UserID       string
	EnterpriseID string
	WorkspaceID  string
	Role         contracts.Role
	Status       contracts.EntityStatus
	Actor        contracts.Actor
}

// UpdateIdentity applies role and status changes under the invariance
// guards: enterprise and workspace pins never move, and no direct jump to
// SUPER_ADMIN from USER or ENTERPRISE_ADMIN.
func (s *Store) UpdateIdentity(ctx context.Context, p UpdateIdentityParams) (*contracts.ExecutionIdentity, error) {
	id, err := s.GetIdentity(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "identity %s not found", p.UserID)
		}
		return nil, err
	}

	if p.EnterpriseID != "" && p.EnterpriseID != id.EnterpriseID {
		s.denied(ctx, p.Actor, "identity.update", "identity", id.UserID, id.EnterpriseID, contracts.CodeCrossEnterpriseForbidden)
		return nil, contracts.NewKernelErrorf(contracts.CodeCrossEnterpriseForbidden,
			"identity %s is pinned to enterprise %s", id.UserID, id.EnterpriseID)
	}
	if p.WorkspaceID != "" && p.WorkspaceID != id.WorkspaceID {
		s.denied(ctx, p.Actor, "identity.update", "identity", id.UserID, id.EnterpriseID, contracts.CodeWorkspaceReassignmentForbidden)
		return nil, contracts.NewKernelErrorf(contracts.CodeWorkspaceReassignmentForbidden,
			"identity %s is pinned to workspace %s", id.UserID, id.WorkspaceID)
	}

	roleChanged := false
	if p.Role != "" && p.Role != id.Role {
		if !contracts.ValidIdentityRole(p.Role) {
			return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed, "role %q is not assignable", p.Role)
		}
		if contracts.EscalationForbidden(id.Role, p.Role) {
			s.denied(ctx, p.Actor, "identity.role_change", "identity", id.UserID, id.EnterpriseID, contracts.CodeRoleEscalationForbidden)
			return nil, contracts.NewKernelErrorf(contracts.CodeRoleEscalationForbidden,
				"direct role change %s to %s requires service approval", id.Role, p.Role)
		}
		id.Role = p.Role
		roleChanged = true
	}
	if p.Status != "" {
		id.Status = p.Status
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE execution_identities SET role = $1, status = $2
			 WHERE user_id = $3 AND deleted_at IS NULL`,
			string(id.Role), string(id.Status), id.UserID)
		if err != nil {
			return fmt.Errorf("authstore: update identity: %w", err)
		}
		action := "identity.update"
		if roleChanged {
			action = "identity.role_change"
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: p.Actor.ID, ActorRole: p.Actor.Role,
			Action: action, TargetType: "identity", TargetID: id.UserID,
			EnterpriseID: id.EnterpriseID, Success: true,
			Metadata: map[string]any{"role": string(id.Role), "status": string(id.Status)},
		})
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

// SoftDeleteIdentity hides an identity from all reader paths.
func (s *Store) SoftDeleteIdentity(ctx context.Context, userID string, actor contracts.Actor) error {
	id, err := s.GetIdentity(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.NewKernelErrorf(contracts.CodeNotFound, "identity %s not found", userID)
		}
		return err
	}

	now := s.clock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE execution_identities SET status = $1, deleted_at = $2
			 WHERE user_id = $3 AND deleted_at IS NULL`,
			string(contracts.StatusDeleted), fmtTime(now), userID)
		if err != nil {
			return fmt.Errorf("authstore: soft delete identity: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: actor.ID, ActorRole: actor.Role,
			Action: "identity.delete", TargetType: "identity", TargetID: userID,
			EnterpriseID: id.EnterpriseID, Success: true,
		})
	})
}
