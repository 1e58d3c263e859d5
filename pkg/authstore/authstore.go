// Package authstore persists enterprises, workspaces, execution
// identities, personas, policies and territories, and guards their
// invariants at the store boundary: a buggy caller cannot move a child
// across enterprises, reassign a workspace, escalate a role directly to
// SUPER_ADMIN, or activate two policies for one persona. Every mutation
// commits an audit entry in the same transaction.
package authstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// ErrNotFound is returned for lookups that match no live row.
var ErrNotFound = errors.New("authstore: not found")

// Store is the authority store. All mutations are transactional.
type Store struct {
	db    *sql.DB
	log   *audit.Log
	clock kernelid.Clock
	newID kernelid.Generator
}

// New builds the store and ensures its tables exist.
func New(db *sql.DB, log *audit.Log) (*Store, error) {
	s := &Store{db: db, log: log, clock: kernelid.Now, newID: kernelid.NewID}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("authstore: migrate: %w", err)
	}
	return s, nil
}

// WithClock overrides the timestamp source.
func (s *Store) WithClock(clock kernelid.Clock) *Store {
	s.clock = clock
	return s
}

// WithIDs overrides the identifier source.
func (s *Store) WithIDs(gen kernelid.Generator) *Store {
	s.newID = gen
	return s
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS enterprises (
		enterprise_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		region TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id TEXT PRIMARY KEY,
		enterprise_id TEXT NOT NULL,
		sub_vertical_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted_at TEXT,
		deleted_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_workspaces_enterprise ON workspaces (enterprise_id);
	CREATE TABLE IF NOT EXISTS execution_identities (
		user_id TEXT PRIMARY KEY,
		enterprise_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		sub_vertical_id TEXT NOT NULL,
		role TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_identities_workspace ON execution_identities (workspace_id);
	CREATE TABLE IF NOT EXISTS personas (
		persona_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		scope TEXT NOT NULL,
		sub_vertical_id TEXT NOT NULL,
		region_code TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_personas_sub_vertical ON personas (sub_vertical_id, scope);
	CREATE TABLE IF NOT EXISTS persona_policies (
		policy_id TEXT PRIMARY KEY,
		persona_id TEXT NOT NULL,
		policy_version INTEGER NOT NULL,
		status TEXT NOT NULL,
		content TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (persona_id, policy_version)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_one_active
		ON persona_policies (persona_id) WHERE status = 'ACTIVE';
	CREATE TABLE IF NOT EXISTS territories (
		territory_id TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		name TEXT NOT NULL,
		level TEXT NOT NULL,
		region_code TEXT,
		country_code TEXT,
		coverage_type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_territories_region ON territories (region_code);
	CREATE TABLE IF NOT EXISTS territory_sub_verticals (
		territory_id TEXT NOT NULL,
		sub_vertical_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (territory_id, sub_vertical_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("authstore: begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("authstore: commit: %w", err)}
	}
	return nil
}

// denied records a rejected mutation attempt. Rejections happen before any
// row changes, so the failure entry is written outside the caller's
// transaction and survives its rollback.
func (s *Store) denied(ctx context.Context, actor contracts.Actor, action, targetType, targetID, enterpriseID, code string) {
	_ = s.log.Append(ctx, s.db, &audit.Entry{
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Action:       action,
		TargetType:   targetType,
		TargetID:     targetID,
		EnterpriseID: enterpriseID,
		Success:      false,
		Reason:       code,
	})
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := parseTime(value.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
