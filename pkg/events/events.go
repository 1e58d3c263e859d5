// Package events persists business_events, the immutable fact log that
// governance decisions reference. The log admits inserts only; the update
// and delete operations exist solely to reject callers with the
// invariance violation they earned.
package events

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
// governance commands can record events inside their own transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Event is one immutable business fact.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	SuiteID    string         `json:"suite_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Log writes and reads business events.
type Log struct {
	db    *sql.DB
	clock kernelid.Clock
	newID kernelid.Generator
}

// New builds the log and ensures its table exists.
func New(db *sql.DB) (*Log, error) {
	l := &Log{db: db, clock: kernelid.Now, newID: kernelid.NewID}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("events: migrate: %w", err)
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
	CREATE TABLE IF NOT EXISTS business_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		suite_id TEXT,
		actor_id TEXT NOT NULL,
		payload JSON,
		occurred_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type_time ON business_events (event_type, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_suite_time ON business_events (suite_id, occurred_at);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Record writes one event through q, which is the caller's transaction for
// governance commands. EventID and OccurredAt are filled when empty.
func (l *Log) Record(ctx context.Context, q Execer, e *Event) error {
	if e.EventType == "" {
		return contracts.NewKernelError(contracts.CodeValidationFailed, "event_type is required")
	}
	if e.EventID == "" {
		e.EventID = l.newID()
	}
	if e.ActorID == "" {
		e.ActorID = contracts.SystemActor.ID
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.clock()
	}
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"event payload is not serializable: %v", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO business_events (event_id, event_type, suite_id, actor_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EventID, e.EventType, nullIfEmpty(e.SuiteID), e.ActorID,
		string(payloadJSON), e.OccurredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("events: record: %w", err)}
	}
	return nil
}

// Update always rejects: business events are immutable.
func (l *Log) Update(context.Context, string, map[string]any) error {
	return contracts.NewKernelError(contracts.CodeAuthorityInvarianceViolation,
		"business_events is append-only; updates are forbidden")
}

// Delete always rejects: business events are immutable.
func (l *Log) Delete(context.Context, string) error {
	return contracts.NewKernelError(contracts.CodeAuthorityInvarianceViolation,
		"business_events is append-only; deletes are forbidden")
}

// Filter narrows a read. Zero values mean "any".
type Filter struct {
	EventType string
	SuiteID   string
	Since     *time.Time
	Limit     int
}

// Query returns matching events newest first. The default limit is 100.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	query := `SELECT event_id, event_type, suite_id, actor_id, payload, occurred_at
		FROM business_events WHERE 1=1`
	var args []any
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}

	if f.EventType != "" {
		add("event_type =", f.EventType)
	}
	if f.SuiteID != "" {
		add("suite_id =", f.SuiteID)
	}
	if f.Since != nil {
		add("occurred_at >=", f.Since.UTC().Format(time.RFC3339Nano))
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
		return nil, &contracts.Retryable{Err: fmt.Errorf("events: query: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e           Event
			suiteID     sql.NullString
			payloadJSON sql.NullString
			occurredAt  string
		)
		if err := rows.Scan(&e.EventID, &e.EventType, &suiteID, &e.ActorID,
			&payloadJSON, &occurredAt); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("events: scan: %w", err)}
		}
		e.SuiteID = suiteID.String
		if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		e.OccurredAt = parseTime(occurredAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
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
