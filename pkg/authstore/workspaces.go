package authstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
)

// CreateWorkspaceParams carries the fields for a new workspace.
type CreateWorkspaceParams struct {
	EnterpriseID string
	SubVertical  string
	Name         string
	Actor        contracts.Actor
}

// CreateWorkspace inserts a workspace pinned to its enterprise for life.
func (s *Store) CreateWorkspace(ctx context.Context, p CreateWorkspaceParams) (*contracts.Workspace, error) {
	if p.Name == "" || p.SubVertical == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "workspace name and sub_vertical_id are required")
	}
	ent, err := s.GetEnterprise(ctx, p.EnterpriseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "enterprise %s not found", p.EnterpriseID)
		}
		return nil, err
	}
	if ent.Status != contracts.StatusActive {
		return nil, contracts.NewKernelErrorf(contracts.CodeInvalidStatus, "enterprise %s is %s", ent.EnterpriseID, ent.Status)
	}

	ws := &contracts.Workspace{
		WorkspaceID:  s.newID(),
		EnterpriseID: p.EnterpriseID,
		SubVertical:  p.SubVertical,
		Name:         p.Name,
		Status:       contracts.StatusActive,
		CreatedAt:    s.clock(),
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces (workspace_id, enterprise_id, sub_vertical_id, name, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ws.WorkspaceID, ws.EnterpriseID, ws.SubVertical, ws.Name, string(ws.Status), fmtTime(ws.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("authstore: insert workspace: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: p.Actor.ID, ActorRole: p.Actor.Role,
			Action: "workspace.create", TargetType: "workspace", TargetID: ws.WorkspaceID,
			EnterpriseID: ws.EnterpriseID, Success: true,
			Metadata: map[string]any{"name": ws.Name, "sub_vertical_id": ws.SubVertical},
		})
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// GetWorkspace returns one live workspace by id. Soft-deleted rows are
// invisible to readers.
func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (*contracts.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, enterprise_id, sub_vertical_id, name, status, created_at, deleted_at, deleted_by
		 FROM workspaces WHERE workspace_id = $1 AND deleted_at IS NULL`, workspaceID)
	return scanWorkspace(row)
}

// ListWorkspaces returns the live workspaces of one enterprise.
func (s *Store) ListWorkspaces(ctx context.Context, enterpriseID string) ([]contracts.Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace_id, enterprise_id, sub_vertical_id, name, status, created_at, deleted_at, deleted_by
		 FROM workspaces WHERE enterprise_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at`, enterpriseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateWorkspaceParams names the mutable workspace fields. EnterpriseID
// is accepted so reassignment attempts can be rejected loudly instead of
// silently ignored.
type UpdateWorkspaceParams struct {
	WorkspaceID  string
	Name         string
	SubVertical  string
	EnterpriseID string
	Actor        contracts.Actor
}

// UpdateWorkspace renames or re-buckets a workspace. Any attempt to change
// the enterprise pin is rejected with WORKSPACE_REASSIGNMENT_FORBIDDEN and
// audited as a failure.
func (s *Store) UpdateWorkspace(ctx context.Context, p UpdateWorkspaceParams) (*contracts.Workspace, error) {
	ws, err := s.GetWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "workspace %s not found", p.WorkspaceID)
		}
		return nil, err
	}

	if p.EnterpriseID != "" && p.EnterpriseID != ws.EnterpriseID {
		s.denied(ctx, p.Actor, "workspace.update", "workspace", ws.WorkspaceID, ws.EnterpriseID, contracts.CodeWorkspaceReassignmentForbidden)
		return nil, contracts.NewKernelErrorf(contracts.CodeWorkspaceReassignmentForbidden,
			"workspace %s is pinned to enterprise %s", ws.WorkspaceID, ws.EnterpriseID)
	}

	if p.Name != "" {
		ws.Name = p.Name
	}
	if p.SubVertical != "" {
		ws.SubVertical = p.SubVertical
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE workspaces SET name = $1, sub_vertical_id = $2
			 WHERE workspace_id = $3 AND deleted_at IS NULL`,
			ws.Name, ws.SubVertical, ws.WorkspaceID)
		if err != nil {
			return fmt.Errorf("authstore: update workspace: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: p.Actor.ID, ActorRole: p.Actor.Role,
			Action: "workspace.update", TargetType: "workspace", TargetID: ws.WorkspaceID,
			EnterpriseID: ws.EnterpriseID, Success: true,
			Metadata: map[string]any{"name": ws.Name, "sub_vertical_id": ws.SubVertical},
		})
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// SoftDeleteWorkspace hides a workspace from all reader paths. The row
// survives for purge accounting.
func (s *Store) SoftDeleteWorkspace(ctx context.Context, workspaceID string, actor contracts.Actor) error {
	ws, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return contracts.NewKernelErrorf(contracts.CodeNotFound, "workspace %s not found", workspaceID)
		}
		return err
	}

	now := s.clock()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE workspaces SET status = $1, deleted_at = $2, deleted_by = $3
			 WHERE workspace_id = $4 AND deleted_at IS NULL`,
			string(contracts.StatusDeleted), fmtTime(now), actor.ID, workspaceID)
		if err != nil {
			return fmt.Errorf("authstore: soft delete workspace: %w", err)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID: actor.ID, ActorRole: actor.Role,
			Action: "workspace.delete", TargetType: "workspace", TargetID: workspaceID,
			EnterpriseID: ws.EnterpriseID, Success: true,
		})
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*contracts.Workspace, error) {
	var (
		ws        contracts.Workspace
		status    string
		createdAt string
		deletedAt sql.NullString
		deletedBy sql.NullString
	)
	err := row.Scan(&ws.WorkspaceID, &ws.EnterpriseID, &ws.SubVertical, &ws.Name, &status, &createdAt, &deletedAt, &deletedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ws.Status = contracts.EntityStatus(status)
	ws.CreatedAt = parseTime(createdAt)
	ws.DeletedAt = parseTimePtr(deletedAt)
	ws.DeletedBy = deletedBy.String
	return &ws, nil
}
