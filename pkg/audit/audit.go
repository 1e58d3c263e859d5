// Package audit persists the append-only log of authority mutations and
// gate events. Entries commit in the same transaction as the mutation they
// describe; the package exposes no update or delete path.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// Execer is the slice of database/sql shared by *sql.DB and *sql.Tx, so
// callers can append inside their own transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Entry is one immutable audit record.
type Entry struct {
	EntryID      string         `json:"entry_id"`
	ActorID      string         `json:"actor_id"`
	ActorRole    contracts.Role `json:"actor_role"`
	Action       string         `json:"action"`
	TargetType   string         `json:"target_type"`
	TargetID     string         `json:"target_id"`
	EnterpriseID string         `json:"enterprise_id,omitempty"`
	Success      bool           `json:"success"`
	Reason       string         `json:"reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Log writes and reads audit entries.
type Log struct {
	db    *sql.DB
	clock kernelid.Clock
	newID kernelid.Generator
}

// New builds the log and ensures its table exists.
func New(db *sql.DB) (*Log, error) {
	l := &Log{db: db, clock: kernelid.Now, newID: kernelid.NewID}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return l, nil
}

// WithClock overrides the timestamp source.
func (l *Log) WithClock(clock kernelid.Clock) *Log {
	l.clock = clock
	return l
}

// WithIDs overrides the identifier source.
func (l *Log) WithIDs(gen kernelid.Generator) *Log {
	l.newID = gen
	return l
}

func (l *Log) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_log (
		entry_id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		enterprise_id TEXT,
		success INTEGER NOT NULL,
		reason TEXT,
		metadata JSON,
		occurred_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_actor_time ON audit_log (actor_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_audit_target_time ON audit_log (target_type, target_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_audit_enterprise_time ON audit_log (enterprise_id, occurred_at);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append writes one entry through q, which is the caller's transaction for
// mutations and may be the bare DB for standalone events. EntryID and
// OccurredAt are filled when empty.
func (l *Log) Append(ctx context.Context, q Execer, e *Entry) error {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.clock()
	}
	metaJSON, _ := json.Marshal(e.Metadata)

	query := `INSERT INTO audit_log (
		entry_id, actor_id, actor_role, action, target_type, target_id,
		enterprise_id, success, reason, metadata, occurred_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := q.ExecContext(ctx, query,
		e.EntryID, e.ActorID, string(e.ActorRole), e.Action, e.TargetType, e.TargetID,
		e.EnterpriseID, boolToInt(e.Success), e.Reason, string(metaJSON),
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Filter narrows a read. Zero values mean "any".
type Filter struct {
	ActorID      string
	TargetType   string
	TargetID     string
	EnterpriseID string
	Action       string
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

// Query returns matching entries newest first. The default limit is 100.
func (l *Log) Query(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT entry_id, actor_id, actor_role, action, target_type, target_id,
		enterprise_id, success, reason, metadata, occurred_at
		FROM audit_log WHERE 1=1`
	var args []any
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}

	if f.ActorID != "" {
		add("actor_id =", f.ActorID)
	}
	if f.TargetType != "" {
		add("target_type =", f.TargetType)
	}
	if f.TargetID != "" {
		add("target_id =", f.TargetID)
	}
	if f.EnterpriseID != "" {
		add("enterprise_id =", f.EnterpriseID)
	}
	if f.Action != "" {
		add("action =", f.Action)
	}
	if f.Since != nil {
		add("occurred_at >=", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		add("occurred_at <=", f.Until.UTC().Format(time.RFC3339Nano))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			role       string
			enterprise sql.NullString
			success    int
			reason     sql.NullString
			metaJSON   sql.NullString
			occurredAt string
		)
		if err := rows.Scan(&e.EntryID, &e.ActorID, &role, &e.Action, &e.TargetType,
			&e.TargetID, &enterprise, &success, &reason, &metaJSON, &occurredAt); err != nil {
			return nil, err
		}
		e.ActorRole = contracts.Role(role)
		e.EnterpriseID = enterprise.String
		e.Success = success != 0
		e.Reason = reason.String
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		e.OccurredAt = parseTime(occurredAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
