// Package envelope persists sealed execution envelopes: immutable,
// hash-addressed bundles of tenant, persona, policy and territory context
// that every reasoning call must quote. Sealing is idempotent on the
// canonical hash; status moves one way from SEALED to EXPIRED or REVOKED
// and terminal envelopes stay queryable for replay history.
package envelope

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/canonical"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/hooks"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// payloadSchema is enforced at seal time. additionalProperties is false so
// a payload with fields outside the §6 contract never reaches the hash.
const payloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": [
		"envelope_version", "tenant_id", "workspace_id", "persona_id",
		"policy_id", "policy_version", "persona_resolution_path",
		"persona_resolution_scope", "territory_resolution_path",
		"content", "sealed_at", "sealed_by"
	],
	"properties": {
		"envelope_version": {"type": "string", "minLength": 1},
		"tenant_id": {"type": "string", "minLength": 1},
		"workspace_id": {"type": "string", "minLength": 1},
		"user_id": {"type": "string"},
		"persona_id": {"type": "string", "minLength": 1},
		"policy_id": {"type": "string", "minLength": 1},
		"policy_version": {"type": "integer", "minimum": 1},
		"territory_id": {"type": "string"},
		"persona_resolution_path": {"type": "string", "minLength": 1},
		"persona_resolution_scope": {"type": "string", "enum": ["GLOBAL", "REGIONAL", "LOCAL"]},
		"territory_resolution_path": {"type": "string"},
		"content": {"type": "object"},
		"sealed_at": {"type": "string", "minLength": 1},
		"sealed_by": {"type": "string", "minLength": 1},
		"expires_at": {"type": "string"}
	},
	"additionalProperties": false
}`

// Emitter receives lifecycle events after they commit. *hooks.Registry
// satisfies it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload map[string]any)
}

// Store persists envelopes. Writes are transactional and audited.
type Store struct {
	db     *sql.DB
	log    *audit.Log
	clock  kernelid.Clock
	newID  kernelid.Generator
	schema *jsonschema.Schema
	events Emitter
	logger *slog.Logger
}

// New builds the store, compiles the payload schema and ensures tables exist.
func New(db *sql.DB, log *audit.Log) (*Store, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://upr.schemas.local/envelope-payload.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("envelope: schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("envelope: schema compile failed: %w", err)
	}

	s := &Store{
		db:     db,
		log:    log,
		clock:  kernelid.Now,
		newID:  kernelid.NewID,
		schema: compiled,
		logger: slog.Default().With("component", "envelope"),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("envelope: migrate: %w", err)
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

// WithEvents attaches an event emitter for lifecycle hooks.
func (s *Store) WithEvents(e Emitter) *Store {
	s.events = e
	return s
}

func (s *Store) emit(ctx context.Context, event string, payload map[string]any) {
	if s.events != nil {
		s.events.Emit(ctx, event, payload)
	}
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS envelopes (
		envelope_id TEXT PRIMARY KEY,
		envelope_version TEXT NOT NULL,
		sha256_hash TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		user_id TEXT,
		persona_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		policy_version INTEGER NOT NULL,
		territory_id TEXT,
		persona_resolution_path TEXT NOT NULL,
		persona_resolution_scope TEXT NOT NULL,
		territory_resolution_path TEXT NOT NULL,
		envelope_content TEXT NOT NULL,
		status TEXT NOT NULL,
		sealed_at TEXT NOT NULL,
		sealed_by TEXT NOT NULL,
		expires_at TEXT,
		revoked_at TEXT,
		revoked_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_envelopes_workspace ON envelopes (tenant_id, workspace_id);
	CREATE INDEX IF NOT EXISTS idx_envelopes_expiry ON envelopes (status, expires_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// SealRequest carries everything needed to persist one envelope. The
// canonical content is the §6 payload bytes; SHA256Hash must be the
// SHA-256 of exactly those bytes.
type SealRequest struct {
	EnvelopeVersion string
	SHA256Hash      string

	TenantID    string
	WorkspaceID string
	UserID      string

	PersonaID     string
	PolicyID      string
	PolicyVersion int
	TerritoryID   string

	PersonaResolutionPath   string
	PersonaResolutionScope  contracts.PersonaScope
	TerritoryResolutionPath string

	CanonicalContent []byte

	SealedBy  string
	ExpiresAt *time.Time
}

// SealResult reports the persisted envelope and whether this call created it.
type SealResult struct {
	Envelope *contracts.Envelope
	IsNew    bool
}

// Seal persists an envelope idempotently: a request whose hash already
// exists returns the existing row untouched with IsNew=false. The content
// is schema-validated and its hash recomputed; a mismatch is rejected
// before anything is written.
func (s *Store) Seal(ctx context.Context, actor contracts.Actor, req SealRequest) (*SealResult, error) {
	if err := s.validateSeal(&req); err != nil {
		return nil, err
	}

	now := s.clock()
	env := &contracts.Envelope{
		EnvelopeID:              s.newID(),
		EnvelopeVersion:         req.EnvelopeVersion,
		SHA256Hash:              req.SHA256Hash,
		TenantID:                req.TenantID,
		WorkspaceID:             req.WorkspaceID,
		UserID:                  req.UserID,
		PersonaID:               req.PersonaID,
		PolicyID:                req.PolicyID,
		PolicyVersion:           req.PolicyVersion,
		TerritoryID:             req.TerritoryID,
		PersonaResolutionPath:   req.PersonaResolutionPath,
		PersonaResolutionScope:  string(req.PersonaResolutionScope),
		TerritoryResolutionPath: req.TerritoryResolutionPath,
		Content:                 req.CanonicalContent,
		Status:                  contracts.EnvelopeSealed,
		SealedAt:                now,
		SealedBy:                req.SealedBy,
		ExpiresAt:               req.ExpiresAt,
	}

	result := &SealResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var insertedID string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO envelopes (
				envelope_id, envelope_version, sha256_hash, tenant_id,
				workspace_id, user_id, persona_id, policy_id, policy_version,
				territory_id, persona_resolution_path, persona_resolution_scope,
				territory_resolution_path, envelope_content, status, sealed_at,
				sealed_by, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (sha256_hash) DO NOTHING
			RETURNING envelope_id`,
			env.EnvelopeID, env.EnvelopeVersion, env.SHA256Hash, env.TenantID,
			env.WorkspaceID, nullIfEmpty(env.UserID), env.PersonaID, env.PolicyID,
			env.PolicyVersion, nullIfEmpty(env.TerritoryID), env.PersonaResolutionPath,
			env.PersonaResolutionScope, env.TerritoryResolutionPath,
			string(env.Content), string(env.Status), fmtTime(env.SealedAt),
			env.SealedBy, fmtTimePtr(env.ExpiresAt),
		).Scan(&insertedID)

		switch {
		case err == sql.ErrNoRows:
			// A row with this hash already exists. Idempotent re-seal:
			// return it without mutating or auditing.
			existing, err := s.getBy(ctx, tx, "sha256_hash", req.SHA256Hash)
			if err != nil {
				return err
			}
			result.Envelope = existing
			result.IsNew = false
			return nil
		case err != nil:
			return &contracts.Retryable{Err: fmt.Errorf("envelope: insert: %w", err)}
		}

		result.Envelope = env
		result.IsNew = true
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:      actor.ID,
			ActorRole:    actor.Role,
			Action:       "envelope.seal",
			TargetType:   "envelope",
			TargetID:     env.EnvelopeID,
			EnterpriseID: env.TenantID,
			Success:      true,
			Metadata:     map[string]any{"sha256_hash": env.SHA256Hash},
		})
	})
	if err != nil {
		return nil, err
	}
	if result.IsNew {
		s.emit(ctx, hooks.EventEnvelopeSealed, map[string]any{
			"envelope_id": result.Envelope.EnvelopeID,
			"sha256_hash": result.Envelope.SHA256Hash,
			"tenant_id":   result.Envelope.TenantID,
		})
	}
	return result, nil
}

// validateSeal checks field presence, schema conformance and that the
// declared hash matches the canonical content.
func (s *Store) validateSeal(req *SealRequest) error {
	switch {
	case req.EnvelopeVersion == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "envelope_version is required")
	case canonical.CheckVersion(req.EnvelopeVersion) != nil:
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"%v", canonical.CheckVersion(req.EnvelopeVersion))
	case req.TenantID == "" || req.WorkspaceID == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "tenant_id and workspace_id are required")
	case req.PersonaID == "" || req.PolicyID == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "persona_id and policy_id are required")
	case req.PolicyVersion < 1:
		return contracts.NewKernelError(contracts.CodeValidationFailed, "policy_version must be positive")
	case req.SealedBy == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "sealed_by is required")
	case len(req.CanonicalContent) == 0:
		return contracts.NewKernelError(contracts.CodeValidationFailed, "canonical content is required")
	case len(req.SHA256Hash) != 64:
		return contracts.NewKernelError(contracts.CodeValidationFailed, "sha256_hash must be 64 lowercase hex characters")
	}

	var decoded any
	if err := json.Unmarshal(req.CanonicalContent, &decoded); err != nil {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed, "content is not valid JSON: %v", err)
	}
	if err := s.schema.Validate(decoded); err != nil {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed, "payload schema violation: %v", err)
	}

	payload, err := canonical.ParsePayload(req.CanonicalContent)
	if err != nil {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed, "%v", err)
	}
	_, computed, err := payload.CanonicalHash()
	if err != nil {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed, "%v", err)
	}
	if computed != req.SHA256Hash {
		return contracts.NewKernelError(contracts.CodeValidationFailed,
			"sha256_hash does not match canonical content").
			WithDetail("declared", req.SHA256Hash).
			WithDetail("computed", computed)
	}
	// The row columns must agree with the hashed payload or the stored
	// metadata would lie about what the hash commits to.
	if payload.TenantID != req.TenantID || payload.WorkspaceID != req.WorkspaceID ||
		payload.PersonaID != req.PersonaID || payload.PolicyID != req.PolicyID ||
		payload.PolicyVersion != req.PolicyVersion {
		return contracts.NewKernelError(contracts.CodeValidationFailed,
			"request fields disagree with canonical content")
	}
	return nil
}

// Ref addresses an envelope by id or hash. At least one must be set.
type Ref struct {
	EnvelopeID string
	SHA256Hash string
}

func (r Ref) empty() bool { return r.EnvelopeID == "" && r.SHA256Hash == "" }

// VerifyResult reports an envelope's fitness for use. Envelope is set for
// every status except NOT_SEALED.
type VerifyResult struct {
	Status   contracts.VerifyStatus `json:"status"`
	Envelope *contracts.Envelope    `json:"envelope,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
}

// Verify reports whether the referenced envelope is usable right now. A
// SEALED envelope whose deadline has passed verifies as EXPIRED even
// before the sweeper transitions the row.
func (s *Store) Verify(ctx context.Context, ref Ref) (*VerifyResult, error) {
	env, err := s.Get(ctx, ref)
	if err != nil {
		if contracts.IsCode(err, contracts.CodeEnvelopeNotSealed) {
			return &VerifyResult{Status: contracts.VerifyNotSealed, Reason: "no envelope with this identifier"}, nil
		}
		return nil, err
	}

	switch {
	case env.Status == contracts.EnvelopeRevoked:
		return &VerifyResult{Status: contracts.VerifyRevoked, Envelope: env, Reason: "envelope was revoked"}, nil
	case env.Status == contracts.EnvelopeExpired || env.ExpiredAt(s.clock()):
		return &VerifyResult{Status: contracts.VerifyExpired, Envelope: env, Reason: "envelope deadline has passed"}, nil
	default:
		return &VerifyResult{Status: contracts.VerifyValid, Envelope: env}, nil
	}
}

// Get loads the referenced envelope regardless of status. Terminal
// envelopes stay readable for replay history.
func (s *Store) Get(ctx context.Context, ref Ref) (*contracts.Envelope, error) {
	if ref.empty() {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed,
			"either envelope_id or sha256_hash is required")
	}
	column, value := "envelope_id", ref.EnvelopeID
	if ref.EnvelopeID == "" {
		column, value = "sha256_hash", ref.SHA256Hash
	}
	return s.getBy(ctx, s.db, column, value)
}

// GetContent returns the canonical bytes the envelope's hash commits to.
func (s *Store) GetContent(ctx context.Context, ref Ref) ([]byte, error) {
	env, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return env.Content, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getBy(ctx context.Context, q querier, column, value string) (*contracts.Envelope, error) {
	row := q.QueryRowContext(ctx, `
		SELECT envelope_id, envelope_version, sha256_hash, tenant_id,
			workspace_id, user_id, persona_id, policy_id, policy_version,
			territory_id, persona_resolution_path, persona_resolution_scope,
			territory_resolution_path, envelope_content, status, sealed_at,
			sealed_by, expires_at, revoked_at, revoked_by
		FROM envelopes WHERE `+column+` = $1`, value)

	var env contracts.Envelope
	var userID, territoryID, expiresAt, revokedAt, revokedBy sql.NullString
	var content, sealedAt string
	err := row.Scan(&env.EnvelopeID, &env.EnvelopeVersion, &env.SHA256Hash,
		&env.TenantID, &env.WorkspaceID, &userID, &env.PersonaID, &env.PolicyID,
		&env.PolicyVersion, &territoryID, &env.PersonaResolutionPath,
		&env.PersonaResolutionScope, &env.TerritoryResolutionPath, &content,
		&env.Status, &sealedAt, &env.SealedBy, &expiresAt, &revokedAt, &revokedBy)
	if err == sql.ErrNoRows {
		return nil, contracts.NewKernelErrorf(contracts.CodeEnvelopeNotSealed,
			"no envelope for %s %s", column, value)
	}
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("envelope: read: %w", err)}
	}

	env.UserID = userID.String
	env.TerritoryID = territoryID.String
	env.Content = []byte(content)
	env.SealedAt = parseTime(sealedAt)
	env.ExpiresAt = parseTimePtr(expiresAt)
	env.RevokedAt = parseTimePtr(revokedAt)
	env.RevokedBy = revokedBy.String
	return &env, nil
}

// Revoke transitions SEALED → REVOKED. The update is a compare-and-set on
// the current status so a concurrent expiry or second revocation loses.
func (s *Store) Revoke(ctx context.Context, actor contracts.Actor, envelopeID string) error {
	now := s.clock()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE envelopes SET status = $1, revoked_at = $2, revoked_by = $3
			WHERE envelope_id = $4 AND status = $5`,
			string(contracts.EnvelopeRevoked), fmtTime(now), actor.ID,
			envelopeID, string(contracts.EnvelopeSealed))
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("envelope: revoke: %w", err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("envelope: revoke rows: %w", err)}
		}
		if n == 0 {
			env, err := s.getBy(ctx, tx, "envelope_id", envelopeID)
			if err != nil {
				return err
			}
			switch env.Status {
			case contracts.EnvelopeRevoked:
				return contracts.NewKernelErrorf(contracts.CodeEnvelopeRevoked,
					"envelope %s is already revoked", envelopeID)
			default:
				return contracts.NewKernelErrorf(contracts.CodeEnvelopeExpired,
					"envelope %s already expired", envelopeID)
			}
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "envelope.revoke",
			TargetType: "envelope",
			TargetID:   envelopeID,
			Success:    true,
		})
	})
	if err != nil {
		return err
	}
	s.emit(ctx, hooks.EventEnvelopeRevoked, map[string]any{
		"envelope_id": envelopeID,
		"revoked_by":  actor.ID,
	})
	return nil
}

// SweepExpired transitions every SEALED envelope whose deadline has passed
// to EXPIRED and returns the number of rows moved.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	now := s.clock()
	var moved int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE envelopes SET status = $1
			WHERE status = $2 AND expires_at IS NOT NULL AND expires_at < $3`,
			string(contracts.EnvelopeExpired), string(contracts.EnvelopeSealed), fmtTime(now))
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("envelope: sweep: %w", err)}
		}
		moved, err = res.RowsAffected()
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("envelope: sweep rows: %w", err)}
		}
		if moved == 0 {
			return nil
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    contracts.SystemActor.ID,
			ActorRole:  contracts.SystemActor.Role,
			Action:     "envelope.expire_sweep",
			TargetType: "envelope",
			Success:    true,
			Metadata:   map[string]any{"expired": moved},
		})
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		s.emit(ctx, hooks.EventEnvelopeExpired, map[string]any{"expired": moved})
	}
	return moved, nil
}

// RunSweeper drives SweepExpired on a fixed interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := s.SweepExpired(ctx)
			if err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if moved > 0 {
				s.logger.Info("expired envelopes swept", "count", moved)
			}
		}
	}
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("envelope: begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("envelope: commit: %w", err)}
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// fmtTime renders at fixed microsecond width; expires_at is compared
// lexicographically, so trimmed fractional digits would misorder rows.
func fmtTime(t time.Time) string {
	return canonical.FormatTime(t)
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
