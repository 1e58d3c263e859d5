// Package gate enforces the runtime admission check: every reasoning call
// must quote a valid sealed envelope. The gate never errors for policy
// reasons; it returns a decision, and every block is persisted as a
// violation row with the full request context for compliance review.
package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/envelope"
	"github.com/uaesivakumar/upr-authority/pkg/hooks"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// Verifier probes envelope fitness. *envelope.Store satisfies it.
type Verifier interface {
	Verify(ctx context.Context, ref envelope.Ref) (*envelope.VerifyResult, error)
}

// Emitter receives gate events after they commit. *hooks.Registry
// satisfies it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload map[string]any)
}

// Request sources the gate accepts.
const (
	SourceSalesBench = "sales-bench"
	SourceAPI        = "api"
	SourceInternal   = "internal"
)

func validSource(s string) bool {
	return s == SourceSalesBench || s == SourceAPI || s == SourceInternal
}

// Gate checks reasoning calls against the envelope store and records
// violations.
type Gate struct {
	db       *sql.DB
	log      *audit.Log
	verifier Verifier
	clock    kernelid.Clock
	newID    kernelid.Generator
	events   Emitter
	logger   *slog.Logger
}

// New builds the gate and ensures the violations table exists.
func New(db *sql.DB, log *audit.Log, verifier Verifier) (*Gate, error) {
	g := &Gate{
		db:       db,
		log:      log,
		verifier: verifier,
		clock:    kernelid.Now,
		newID:    kernelid.NewID,
		logger:   slog.Default().With("component", "runtime_gate"),
	}
	if err := g.migrate(); err != nil {
		return nil, fmt.Errorf("gate: migrate: %w", err)
	}
	return g, nil
}

// WithClock overrides the timestamp source.
func (g *Gate) WithClock(clock kernelid.Clock) *Gate {
	g.clock = clock
	return g
}

// WithIDs overrides the identifier source.
func (g *Gate) WithIDs(gen kernelid.Generator) *Gate {
	g.newID = gen
	return g
}

// WithEvents attaches an event emitter for violation hooks.
func (g *Gate) WithEvents(e Emitter) *Gate {
	g.events = e
	return g
}

func (g *Gate) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS runtime_gate_violations (
		id TEXT PRIMARY KEY,
		violation_code TEXT NOT NULL,
		request_source TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		tenant_id TEXT,
		workspace_id TEXT,
		user_id TEXT,
		claimed_envelope_id TEXT,
		claimed_hash TEXT,
		request_context TEXT,
		resolution_status TEXT NOT NULL,
		resolved_by TEXT,
		resolved_at TEXT,
		resolution_notes TEXT,
		occurred_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_violations_tenant_time
		ON runtime_gate_violations (tenant_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_violations_code_time
		ON runtime_gate_violations (violation_code, occurred_at);`
	_, err := g.db.ExecContext(context.Background(), query)
	return err
}

// CheckRequest describes one reasoning call at the gate.
type CheckRequest struct {
	Source   string
	Endpoint string
	Method   string

	TenantID    string
	WorkspaceID string
	UserID      string

	// Either identifier may be claimed; both empty is the common misuse.
	ClaimedEnvelopeID string
	ClaimedHash       string

	// Context is the full request context persisted with a violation.
	Context map[string]any
}

// Decision is the gate outcome. Exactly one of Envelope (admitted) or
// Violation (blocked) is set.
type Decision struct {
	Admitted  bool
	Envelope  *contracts.Envelope
	Violation *contracts.RuntimeGateViolation
}

// Check applies the admission table. Policy blocks come back as decisions,
// never as errors; only infrastructure failures error out.
func (g *Gate) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	if !validSource(req.Source) {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"unknown request source %q", req.Source)
	}

	if req.ClaimedEnvelopeID == "" && req.ClaimedHash == "" {
		return g.block(ctx, req, contracts.ViolationNoEnvelope)
	}

	result, err := g.verifier.Verify(ctx, envelope.Ref{
		EnvelopeID: req.ClaimedEnvelopeID,
		SHA256Hash: req.ClaimedHash,
	})
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case contracts.VerifyNotSealed:
		return g.block(ctx, req, contracts.ViolationInvalidEnvelope)
	case contracts.VerifyRevoked:
		return g.block(ctx, req, contracts.ViolationRevokedEnvelope)
	case contracts.VerifyExpired:
		return g.block(ctx, req, contracts.ViolationExpiredEnvelope)
	default:
		return &Decision{Admitted: true, Envelope: result.Envelope}, nil
	}
}

// block persists the violation row plus its audit entry in one transaction
// and returns the blocking decision.
func (g *Gate) block(ctx context.Context, req CheckRequest, code contracts.ViolationCode) (*Decision, error) {
	v := &contracts.RuntimeGateViolation{
		ID:                g.newID(),
		ViolationCode:     code,
		RequestSource:     req.Source,
		Endpoint:          req.Endpoint,
		Method:            req.Method,
		TenantID:          req.TenantID,
		WorkspaceID:       req.WorkspaceID,
		UserID:            req.UserID,
		ClaimedEnvelopeID: req.ClaimedEnvelopeID,
		ClaimedHash:       req.ClaimedHash,
		RequestContext:    req.Context,
		ResolutionStatus:  contracts.ViolationOpen,
		OccurredAt:        g.clock(),
	}

	contextJSON, err := json.Marshal(v.RequestContext)
	if err != nil {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"request context is not serializable: %v", err)
	}

	err = g.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runtime_gate_violations (
				id, violation_code, request_source, endpoint, method,
				tenant_id, workspace_id, user_id, claimed_envelope_id,
				claimed_hash, request_context, resolution_status, occurred_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			v.ID, string(v.ViolationCode), v.RequestSource, v.Endpoint, v.Method,
			nullIfEmpty(v.TenantID), nullIfEmpty(v.WorkspaceID), nullIfEmpty(v.UserID),
			nullIfEmpty(v.ClaimedEnvelopeID), nullIfEmpty(v.ClaimedHash),
			string(contextJSON), string(v.ResolutionStatus), fmtTime(v.OccurredAt))
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("gate: insert violation: %w", err)}
		}
		return g.log.Append(ctx, tx, &audit.Entry{
			ActorID:      orUnknown(v.UserID),
			ActorRole:    contracts.RoleUser,
			Action:       "gate.block",
			TargetType:   "runtime_gate_violation",
			TargetID:     v.ID,
			EnterpriseID: v.TenantID,
			Success:      false,
			Reason:       string(code),
			Metadata:     map[string]any{"endpoint": v.Endpoint, "source": v.RequestSource},
		})
	})
	if err != nil {
		return nil, err
	}

	g.logger.Warn("reasoning call blocked",
		"violation", string(code), "endpoint", v.Endpoint, "source", v.RequestSource)
	if g.events != nil {
		g.events.Emit(ctx, hooks.EventGateViolation, map[string]any{
			"violation_id":   v.ID,
			"violation_code": string(code),
			"endpoint":       v.Endpoint,
			"source":         v.RequestSource,
		})
	}
	return &Decision{Admitted: false, Violation: v}, nil
}

// Filter narrows violation queries.
type Filter struct {
	TenantID string
	Code     contracts.ViolationCode
	Status   contracts.ResolutionStatus
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

// Violations returns matching rows newest first. The default limit is 100.
func (g *Gate) Violations(ctx context.Context, f Filter) ([]contracts.RuntimeGateViolation, error) {
	query := `SELECT id, violation_code, request_source, endpoint, method,
		tenant_id, workspace_id, user_id, claimed_envelope_id, claimed_hash,
		request_context, resolution_status, resolved_by, resolved_at,
		resolution_notes, occurred_at
		FROM runtime_gate_violations WHERE 1=1`
	var args []any
	n := 0
	add := func(clause string, v any) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}

	if f.TenantID != "" {
		add("tenant_id =", f.TenantID)
	}
	if f.Code != "" {
		add("violation_code =", string(f.Code))
	}
	if f.Status != "" {
		add("resolution_status =", string(f.Status))
	}
	if f.Since != nil {
		add("occurred_at >=", fmtTime(*f.Since))
	}
	if f.Until != nil {
		add("occurred_at <=", fmtTime(*f.Until))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("gate: query violations: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.RuntimeGateViolation
	for rows.Next() {
		var v contracts.RuntimeGateViolation
		var tenant, workspace, user, claimedID, claimedHash sql.NullString
		var contextJSON, resolvedBy, resolvedAt, notes sql.NullString
		var occurredAt string
		if err := rows.Scan(&v.ID, &v.ViolationCode, &v.RequestSource, &v.Endpoint,
			&v.Method, &tenant, &workspace, &user, &claimedID, &claimedHash,
			&contextJSON, &v.ResolutionStatus, &resolvedBy, &resolvedAt,
			&notes, &occurredAt); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("gate: scan violation: %w", err)}
		}
		v.TenantID = tenant.String
		v.WorkspaceID = workspace.String
		v.UserID = user.String
		v.ClaimedEnvelopeID = claimedID.String
		v.ClaimedHash = claimedHash.String
		if contextJSON.Valid && contextJSON.String != "" {
			_ = json.Unmarshal([]byte(contextJSON.String), &v.RequestContext)
		}
		v.ResolvedBy = resolvedBy.String
		v.ResolutionNotes = notes.String
		v.ResolvedAt = parseTimePtr(resolvedAt)
		v.OccurredAt = parseTime(occurredAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateResolution moves a violation through OPEN → ACKNOWLEDGED →
// RESOLVED. The underlying facts of the violation never change.
func (g *Gate) UpdateResolution(ctx context.Context, actor contracts.Actor, id string, status contracts.ResolutionStatus, notes string) error {
	if status != contracts.ViolationAcknowledged && status != contracts.ViolationResolved {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"resolution status must be ACKNOWLEDGED or RESOLVED, got %q", status)
	}
	now := g.clock()
	return g.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE runtime_gate_violations
			SET resolution_status = $1, resolved_by = $2, resolved_at = $3, resolution_notes = $4
			WHERE id = $5`,
			string(status), actor.ID, fmtTime(now), notes, id)
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("gate: update resolution: %w", err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("gate: update rows: %w", err)}
		}
		if n == 0 {
			return contracts.NewKernelErrorf(contracts.CodeNotFound, "no violation %s", id)
		}
		return g.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "gate.violation_resolution",
			TargetType: "runtime_gate_violation",
			TargetID:   id,
			Success:    true,
			Metadata:   map[string]any{"status": string(status)},
		})
	})
}

func (g *Gate) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("gate: begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("gate: commit: %w", err)}
	}
	return nil
}

func orUnknown(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
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
