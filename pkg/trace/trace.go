// Package trace records one immutable Interaction per reasoning call.
// Each row carries the envelope hash it executed under, the policy gates
// it hit, token and cost accounting, and an HMAC signature binding the
// interaction id, envelope hash and outcome. Traces are the evidence a
// replay re-derives and diffs; the package exposes no update or delete.
package trace

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
	"github.com/uaesivakumar/upr-authority/pkg/policygate"
)

// hkdfSalt versions the key derivation; changing it invalidates every
// stored signature, so it moves only with a migration plan.
const hkdfSalt = "upr-trace-v1"

const hkdfInfo = "interaction-signing"

// deriveKey stretches the operator master secret into the signing key.
func deriveKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("trace: derive signing key: %w", err)
	}
	return key, nil
}

// Recorder persists interactions.
type Recorder struct {
	db     *sql.DB
	log    *audit.Log
	gates  *policygate.Evaluator
	key    []byte
	clock  kernelid.Clock
	newID  kernelid.Generator
	logger *slog.Logger
}

// New builds the recorder. The secret is the operator-provided trace
// signing secret and must be non-empty; production refuses to start
// without one.
func New(db *sql.DB, log *audit.Log, gates *policygate.Evaluator, secret []byte) (*Recorder, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("trace: signing secret is required")
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		db:     db,
		log:    log,
		gates:  gates,
		key:    key,
		clock:  kernelid.Now,
		newID:  kernelid.NewID,
		logger: slog.Default().With("component", "trace"),
	}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("trace: migrate: %w", err)
	}
	return r, nil
}

// WithClock overrides the timestamp source.
func (r *Recorder) WithClock(clock kernelid.Clock) *Recorder {
	r.clock = clock
	return r
}

// WithIDs overrides the identifier source.
func (r *Recorder) WithIDs(gen kernelid.Generator) *Recorder {
	r.newID = gen
	return r
}

func (r *Recorder) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS interactions (
		interaction_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		user_id TEXT,
		envelope_sha256 TEXT NOT NULL,
		envelope_version TEXT NOT NULL,
		persona_id TEXT NOT NULL,
		persona_version TEXT,
		policy_version INTEGER NOT NULL,
		model_slug TEXT NOT NULL,
		routing_decision JSON,
		tools_allowed JSON,
		tools_used JSON,
		policy_gates_hit JSON,
		evidence_used JSON,
		tokens_in INTEGER NOT NULL,
		tokens_out INTEGER NOT NULL,
		cost_estimate REAL NOT NULL,
		cache_hit INTEGER NOT NULL,
		risk_score REAL NOT NULL,
		escalation_triggered INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		signature TEXT NOT NULL,
		latency_ms INTEGER,
		occurred_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_envelope
		ON interactions (envelope_sha256, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_interactions_tenant
		ON interactions (tenant_id, occurred_at);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// RecordParams is the raw material of one interaction row.
type RecordParams struct {
	TenantID    string
	WorkspaceID string
	UserID      string

	EnvelopeSHA256  string
	EnvelopeVersion string
	PersonaID       string
	PersonaVersion  string
	PolicyVersion   int

	ModelSlug       string
	RoutingDecision map[string]any

	ToolsAllowed []string
	ToolsUsed    []string
	EvidenceUsed []contracts.EvidenceRef

	TokensIn     int
	TokensOut    int
	CostEstimate float64
	CacheHit     bool

	RiskScore float64
	Outcome   string
	LatencyMS int

	// Source feeds the policy gates, not the row.
	Source string
}

// Record evaluates the policy gates, signs the interaction and appends
// it. The row never changes afterwards.
func (r *Recorder) Record(ctx context.Context, p RecordParams) (*contracts.Interaction, error) {
	switch {
	case p.TenantID == "" || p.WorkspaceID == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed,
			"tenant_id and workspace_id are required")
	case len(p.EnvelopeSHA256) != 64:
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed,
			"envelope_sha256 must be 64 lowercase hex characters")
	case p.PersonaID == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "persona_id is required")
	case p.ModelSlug == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "model_slug is required")
	case p.Outcome == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "outcome is required")
	case p.RiskScore < 0 || p.RiskScore > 1:
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"risk_score %v outside [0,1]", p.RiskScore)
	}

	var hits []contracts.PolicyGateHit
	if r.gates != nil {
		hits = r.gates.Evaluate(policygate.Input{
			TenantID:     p.TenantID,
			WorkspaceID:  p.WorkspaceID,
			UserID:       p.UserID,
			Source:       p.Source,
			Outcome:      p.Outcome,
			ModelSlug:    p.ModelSlug,
			RiskScore:    p.RiskScore,
			CostEstimate: p.CostEstimate,
			TokensIn:     int64(p.TokensIn),
			TokensOut:    int64(p.TokensOut),
			CacheHit:     p.CacheHit,
			ToolsAllowed: p.ToolsAllowed,
			ToolsUsed:    p.ToolsUsed,
		})
	}

	in := &contracts.Interaction{
		InteractionID:       r.newID(),
		TenantID:            p.TenantID,
		WorkspaceID:         p.WorkspaceID,
		UserID:              p.UserID,
		EnvelopeSHA256:      p.EnvelopeSHA256,
		EnvelopeVersion:     p.EnvelopeVersion,
		PersonaID:           p.PersonaID,
		PersonaVersion:      p.PersonaVersion,
		PolicyVersion:       p.PolicyVersion,
		ModelSlug:           p.ModelSlug,
		RoutingDecision:     p.RoutingDecision,
		ToolsAllowed:        p.ToolsAllowed,
		ToolsUsed:           p.ToolsUsed,
		PolicyGatesHit:      hits,
		EvidenceUsed:        p.EvidenceUsed,
		TokensIn:            p.TokensIn,
		TokensOut:           p.TokensOut,
		CostEstimate:        p.CostEstimate,
		CacheHit:            p.CacheHit,
		RiskScore:           p.RiskScore,
		EscalationTriggered: p.RiskScore > contracts.EscalationRiskThreshold,
		Outcome:             p.Outcome,
		LatencyMS:           p.LatencyMS,
		OccurredAt:          r.clock(),
	}
	in.Signature = r.sign(in.InteractionID, in.EnvelopeSHA256, in.Outcome)

	routing, _ := json.Marshal(in.RoutingDecision)
	allowed, _ := json.Marshal(in.ToolsAllowed)
	used, _ := json.Marshal(in.ToolsUsed)
	gatesJSON, _ := json.Marshal(in.PolicyGatesHit)
	evidence, _ := json.Marshal(in.EvidenceUsed)

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO interactions (
				interaction_id, tenant_id, workspace_id, user_id,
				envelope_sha256, envelope_version, persona_id, persona_version,
				policy_version, model_slug, routing_decision, tools_allowed,
				tools_used, policy_gates_hit, evidence_used, tokens_in,
				tokens_out, cost_estimate, cache_hit, risk_score,
				escalation_triggered, outcome, signature, latency_ms, occurred_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
			in.InteractionID, in.TenantID, in.WorkspaceID, nullIfEmpty(in.UserID),
			in.EnvelopeSHA256, in.EnvelopeVersion, in.PersonaID,
			nullIfEmpty(in.PersonaVersion), in.PolicyVersion, in.ModelSlug,
			string(routing), string(allowed), string(used), string(gatesJSON),
			string(evidence), in.TokensIn, in.TokensOut, in.CostEstimate,
			boolToInt(in.CacheHit), in.RiskScore, boolToInt(in.EscalationTriggered),
			in.Outcome, in.Signature, in.LatencyMS,
			in.OccurredAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("trace: insert: %w", err)}
		}
		return r.log.Append(ctx, tx, &audit.Entry{
			ActorID:      orSystem(in.UserID),
			ActorRole:    roleFor(in.UserID),
			Action:       "trace.record",
			TargetType:   "interaction",
			TargetID:     in.InteractionID,
			EnterpriseID: in.TenantID,
			Success:      true,
			Metadata: map[string]any{
				"envelope_sha256": in.EnvelopeSHA256,
				"outcome":         in.Outcome,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if in.EscalationTriggered {
		r.logger.Warn("interaction escalated",
			"interaction_id", in.InteractionID, "risk_score", in.RiskScore)
	}
	return in, nil
}

// sign computes HMAC-SHA256(key, id ":" envelopeHash ":" outcome).
func (r *Recorder) sign(id, envelopeHash, outcome string) string {
	mac := hmac.New(sha256.New, r.key)
	mac.Write([]byte(id))
	mac.Write([]byte(":"))
	mac.Write([]byte(envelopeHash))
	mac.Write([]byte(":"))
	mac.Write([]byte(outcome))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the interaction's signature and reports whether it
// matches the stored one.
func (r *Recorder) Verify(in *contracts.Interaction) bool {
	want := r.sign(in.InteractionID, in.EnvelopeSHA256, in.Outcome)
	return hmac.Equal([]byte(want), []byte(in.Signature))
}

// Get loads one interaction by id.
func (r *Recorder) Get(ctx context.Context, interactionID string) (*contracts.Interaction, error) {
	rows, err := r.query(ctx, "WHERE interaction_id = $1", []any{interactionID}, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "no interaction %s", interactionID)
	}
	return &rows[0], nil
}

// ByEnvelope lists interactions recorded under an envelope hash, newest
// first. The default limit is 100.
func (r *Recorder) ByEnvelope(ctx context.Context, sha256Hash string, limit int) ([]contracts.Interaction, error) {
	if sha256Hash == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "sha256_hash is required")
	}
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "WHERE envelope_sha256 = $1 ORDER BY occurred_at DESC", []any{sha256Hash}, limit)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	TenantID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// List returns interactions matching the filter, newest first. The
// default limit is 100.
func (r *Recorder) List(ctx context.Context, f Filter) ([]contracts.Interaction, error) {
	var (
		where string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		if where == "" {
			where = "WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(cond, len(args))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		add("occurred_at <= $%d", f.Until.UTC().Format(time.RFC3339Nano))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, where+" ORDER BY occurred_at DESC", args, limit)
}

func (r *Recorder) query(ctx context.Context, where string, args []any, limit int) ([]contracts.Interaction, error) {
	query := fmt.Sprintf(`SELECT interaction_id, tenant_id, workspace_id, user_id,
		envelope_sha256, envelope_version, persona_id, persona_version,
		policy_version, model_slug, routing_decision, tools_allowed, tools_used,
		policy_gates_hit, evidence_used, tokens_in, tokens_out, cost_estimate,
		cache_hit, risk_score, escalation_triggered, outcome, signature,
		latency_ms, occurred_at
		FROM interactions %s LIMIT $%d`, where, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("trace: query: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Interaction
	for rows.Next() {
		var (
			in                                           contracts.Interaction
			userID, personaVersion                       sql.NullString
			routing, allowed, used, gatesJSON, evidence  sql.NullString
			cacheHit, escalated                          int
			latency                                      sql.NullInt64
			occurredAt                                   string
		)
		if err := rows.Scan(&in.InteractionID, &in.TenantID, &in.WorkspaceID, &userID,
			&in.EnvelopeSHA256, &in.EnvelopeVersion, &in.PersonaID, &personaVersion,
			&in.PolicyVersion, &in.ModelSlug, &routing, &allowed, &used, &gatesJSON,
			&evidence, &in.TokensIn, &in.TokensOut, &in.CostEstimate, &cacheHit,
			&in.RiskScore, &escalated, &in.Outcome, &in.Signature, &latency,
			&occurredAt); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("trace: scan: %w", err)}
		}
		in.UserID = userID.String
		in.PersonaVersion = personaVersion.String
		unmarshalInto(routing, &in.RoutingDecision)
		unmarshalInto(allowed, &in.ToolsAllowed)
		unmarshalInto(used, &in.ToolsUsed)
		unmarshalInto(gatesJSON, &in.PolicyGatesHit)
		unmarshalInto(evidence, &in.EvidenceUsed)
		in.CacheHit = cacheHit != 0
		in.EscalationTriggered = escalated != 0
		in.LatencyMS = int(latency.Int64)
		in.OccurredAt = parseTime(occurredAt)
		out = append(out, in)
	}
	return out, rows.Err()
}

func unmarshalInto[T any](v sql.NullString, dst *T) {
	if v.Valid && v.String != "" && v.String != "null" {
		_ = json.Unmarshal([]byte(v.String), dst)
	}
}

func (r *Recorder) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("trace: begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("trace: commit: %w", err)}
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func orSystem(id string) string {
	if id == "" {
		return contracts.SystemActor.ID
	}
	return id
}

func roleFor(userID string) contracts.Role {
	if userID == "" {
		return contracts.RoleSystem
	}
	return contracts.RoleUser
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
