// Package replay re-derives sealed envelopes and diffs the result. The
// engine does not reason: it hands the canonical content back to the
// caller for re-execution and compares the returned hash against the
// original. A mismatch is drift, and drift is a hard failure upstream.
package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/canonical"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/envelope"
	"github.com/uaesivakumar/upr-authority/pkg/hooks"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// EnvelopeSource loads envelopes by reference. *envelope.Store satisfies it.
type EnvelopeSource interface {
	Get(ctx context.Context, ref envelope.Ref) (*contracts.Envelope, error)
}

// Emitter receives drift events after they commit. *hooks.Registry
// satisfies it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload map[string]any)
}

// Engine persists replay attempts and enforces single completion.
type Engine struct {
	db        *sql.DB
	log       *audit.Log
	envelopes EnvelopeSource
	clock     kernelid.Clock
	newID     kernelid.Generator
	events    Emitter
	logger    *slog.Logger
}

// New builds the engine and ensures its table exists.
func New(db *sql.DB, log *audit.Log, envelopes EnvelopeSource) (*Engine, error) {
	e := &Engine{
		db:        db,
		log:       log,
		envelopes: envelopes,
		clock:     kernelid.Now,
		newID:     kernelid.NewID,
		logger:    slog.Default().With("component", "replay"),
	}
	if err := e.migrate(); err != nil {
		return nil, fmt.Errorf("replay: migrate: %w", err)
	}
	return e, nil
}

// WithClock overrides the timestamp source.
func (e *Engine) WithClock(clock kernelid.Clock) *Engine {
	e.clock = clock
	return e
}

// WithIDs overrides the identifier source.
func (e *Engine) WithIDs(gen kernelid.Generator) *Engine {
	e.newID = gen
	return e
}

// WithEvents attaches an event emitter for drift hooks.
func (e *Engine) WithEvents(em Emitter) *Engine {
	e.events = em
	return e
}

func (e *Engine) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS replay_attempts (
		replay_id TEXT PRIMARY KEY,
		envelope_id TEXT,
		envelope_hash TEXT NOT NULL,
		replay_status TEXT NOT NULL,
		drift_details TEXT,
		requested_by TEXT NOT NULL,
		source TEXT NOT NULL,
		context TEXT,
		failure_code TEXT,
		replay_output TEXT,
		initiated_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_replays_hash_time
		ON replay_attempts (envelope_hash, initiated_at);
	CREATE INDEX IF NOT EXISTS idx_replays_status_time
		ON replay_attempts (replay_status, initiated_at);`
	_, err := e.db.ExecContext(context.Background(), query)
	return err
}

// InitiateParams identifies the envelope to replay and who asked.
type InitiateParams struct {
	SHA256Hash  string
	RequestedBy string
	Source      string
	Context     map[string]any
}

// InitiateResult carries the recorded attempt plus, for PENDING attempts,
// the canonical content the caller must re-execute.
type InitiateResult struct {
	Attempt *contracts.ReplayAttempt
	Content []byte
}

// Initiate records a replay attempt. A missing envelope or a terminal one
// yields an attempt that is born terminal with a coded reason; only a
// SEALED, unexpired envelope produces a PENDING attempt with content.
func (e *Engine) Initiate(ctx context.Context, actor contracts.Actor, p InitiateParams) (*InitiateResult, error) {
	switch {
	case p.SHA256Hash == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "sha256_hash is required")
	case p.RequestedBy == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "requested_by is required")
	case p.Source == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "source is required")
	}

	now := e.clock()
	attempt := &contracts.ReplayAttempt{
		ReplayID:     e.newID(),
		EnvelopeHash: p.SHA256Hash,
		RequestedBy:  p.RequestedBy,
		Source:       p.Source,
		Context:      p.Context,
		InitiatedAt:  now,
	}

	var content []byte
	env, err := e.envelopes.Get(ctx, envelope.Ref{SHA256Hash: p.SHA256Hash})
	switch {
	case contracts.IsRetryable(err):
		return nil, err
	case contracts.IsCode(err, contracts.CodeEnvelopeNotSealed):
		attempt.Status = contracts.ReplayEnvelopeNotFound
		attempt.FailureCode = contracts.CodeEnvelopeNotSealed
		attempt.CompletedAt = &now
	case err != nil:
		return nil, err
	case env.Status == contracts.EnvelopeRevoked:
		attempt.EnvelopeID = env.EnvelopeID
		attempt.Status = contracts.ReplayFailed
		attempt.FailureCode = contracts.CodeEnvelopeRevoked
		attempt.CompletedAt = &now
	case env.Status == contracts.EnvelopeExpired || env.ExpiredAt(now):
		attempt.EnvelopeID = env.EnvelopeID
		attempt.Status = contracts.ReplayFailed
		attempt.FailureCode = contracts.CodeEnvelopeExpired
		attempt.CompletedAt = &now
	default:
		attempt.EnvelopeID = env.EnvelopeID
		attempt.Status = contracts.ReplayPending
		content = env.Content
	}

	contextJSON, err := json.Marshal(attempt.Context)
	if err != nil {
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"context is not serializable: %v", err)
	}

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO replay_attempts (
				replay_id, envelope_id, envelope_hash, replay_status,
				requested_by, source, context, failure_code, initiated_at, completed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			attempt.ReplayID, nullIfEmpty(attempt.EnvelopeID), attempt.EnvelopeHash,
			string(attempt.Status), attempt.RequestedBy, attempt.Source,
			string(contextJSON), nullIfEmpty(attempt.FailureCode),
			fmtTime(attempt.InitiatedAt), fmtTimePtr(attempt.CompletedAt))
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("replay: insert attempt: %w", err)}
		}
		return e.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "replay.initiate",
			TargetType: "replay_attempt",
			TargetID:   attempt.ReplayID,
			Success:    attempt.Status == contracts.ReplayPending,
			Reason:     attempt.FailureCode,
			Metadata:   map[string]any{"envelope_hash": attempt.EnvelopeHash},
		})
	})
	if err != nil {
		return nil, err
	}
	return &InitiateResult{Attempt: attempt, Content: content}, nil
}

// Complete finishes a PENDING attempt exactly once. When newHash is empty
// the canonical hash of output stands in for it. If the re-derived hash
// differs from the sealed one the attempt ends DRIFT_DETECTED with the
// evidence attached; drift is reported in the attempt, not as an error.
func (e *Engine) Complete(ctx context.Context, actor contracts.Actor, replayID string, output json.RawMessage, newHash string) (*contracts.ReplayAttempt, error) {
	if newHash == "" {
		if len(output) == 0 {
			return nil, contracts.NewKernelError(contracts.CodeValidationFailed,
				"replay_output or new_hash is required")
		}
		h, err := canonical.HashJSON(output)
		if err != nil {
			return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
				"replay_output is not canonical JSON: %v", err)
		}
		newHash = h
	}

	attempt, err := e.GetAttempt(ctx, replayID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	final := contracts.ReplaySuccess
	var drift *contracts.DriftDetails
	if newHash != attempt.EnvelopeHash {
		final = contracts.ReplayDriftDetected
		drift = &contracts.DriftDetails{
			OriginalHash: attempt.EnvelopeHash,
			ReplayHash:   newHash,
			DriftType:    contracts.DriftTypeHashMismatch,
		}
	}

	var driftJSON any
	if drift != nil {
		b, err := json.Marshal(drift)
		if err != nil {
			return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
				"drift details are not serializable: %v", err)
		}
		driftJSON = string(b)
	}

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		// Compare-and-set on PENDING so a second completion loses.
		res, err := tx.ExecContext(ctx, `
			UPDATE replay_attempts
			SET replay_status = $1, drift_details = $2, replay_output = $3, completed_at = $4
			WHERE replay_id = $5 AND replay_status = $6`,
			string(final), driftJSON, nullIfEmpty(string(output)), fmtTime(now),
			replayID, string(contracts.ReplayPending))
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("replay: complete: %w", err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("replay: complete rows: %w", err)}
		}
		if n == 0 {
			return contracts.NewKernelErrorf(contracts.CodeInvalidStatus,
				"replay %s is already %s", replayID, attempt.Status).
				WithDetail("current_status", string(attempt.Status)).
				WithDetail("action_required", "initiate a new replay")
		}

		reason := ""
		if final == contracts.ReplayDriftDetected {
			reason = contracts.CodeReplayDriftDetected
		}
		return e.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "replay.complete",
			TargetType: "replay_attempt",
			TargetID:   replayID,
			Success:    final == contracts.ReplaySuccess,
			Reason:     reason,
			Metadata:   map[string]any{"envelope_hash": attempt.EnvelopeHash},
		})
	})
	if err != nil {
		return nil, err
	}

	if final == contracts.ReplayDriftDetected {
		e.logger.Warn("replay drift detected",
			"replay_id", replayID, "original", attempt.EnvelopeHash, "replayed", newHash)
		if e.events != nil {
			e.events.Emit(ctx, hooks.EventReplayDrift, map[string]any{
				"replay_id":     replayID,
				"original_hash": attempt.EnvelopeHash,
				"replay_hash":   newHash,
			})
		}
	}

	attempt.Status = final
	attempt.Drift = drift
	attempt.Output = output
	attempt.CompletedAt = &now
	return attempt, nil
}

// GetAttempt loads one attempt by id.
func (e *Engine) GetAttempt(ctx context.Context, replayID string) (*contracts.ReplayAttempt, error) {
	rows, err := e.query(ctx, "WHERE replay_id = $1", []any{replayID}, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "no replay %s", replayID)
	}
	return &rows[0], nil
}

// History lists attempts for an envelope hash, newest first.
func (e *Engine) History(ctx context.Context, sha256Hash string, limit int) ([]contracts.ReplayAttempt, error) {
	if sha256Hash == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "sha256_hash is required")
	}
	if limit <= 0 {
		limit = 100
	}
	return e.query(ctx, "WHERE envelope_hash = $1 ORDER BY initiated_at DESC", []any{sha256Hash}, limit)
}

func (e *Engine) query(ctx context.Context, where string, args []any, limit int) ([]contracts.ReplayAttempt, error) {
	query := fmt.Sprintf(`SELECT replay_id, envelope_id, envelope_hash, replay_status,
		drift_details, requested_by, source, context, failure_code,
		replay_output, initiated_at, completed_at
		FROM replay_attempts %s LIMIT $%d`, where, len(args)+1)
	args = append(args, limit)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("replay: query: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ReplayAttempt
	for rows.Next() {
		var a contracts.ReplayAttempt
		var envelopeID, driftJSON, contextJSON, failureCode, output, completedAt sql.NullString
		var initiatedAt string
		if err := rows.Scan(&a.ReplayID, &envelopeID, &a.EnvelopeHash, &a.Status,
			&driftJSON, &a.RequestedBy, &a.Source, &contextJSON, &failureCode,
			&output, &initiatedAt, &completedAt); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("replay: scan: %w", err)}
		}
		a.EnvelopeID = envelopeID.String
		a.FailureCode = failureCode.String
		if driftJSON.Valid && driftJSON.String != "" {
			var d contracts.DriftDetails
			if err := json.Unmarshal([]byte(driftJSON.String), &d); err == nil {
				a.Drift = &d
			}
		}
		if contextJSON.Valid && contextJSON.String != "" && contextJSON.String != "null" {
			_ = json.Unmarshal([]byte(contextJSON.String), &a.Context)
		}
		if output.Valid && output.String != "" {
			a.Output = json.RawMessage(output.String)
		}
		a.InitiatedAt = parseTime(initiatedAt)
		a.CompletedAt = parseTimePtr(completedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// StaleTimeout marks attempts failed by the sweeper rather than a completer.
const StaleTimeout = "STALE_TIMEOUT"

// SweepStale fails PENDING attempts older than grace so nothing hangs
// forever. Returns the number of rows moved.
func (e *Engine) SweepStale(ctx context.Context, grace time.Duration) (int64, error) {
	now := e.clock()
	cutoff := now.Add(-grace)
	var moved int64
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE replay_attempts
			SET replay_status = $1, failure_code = $2, completed_at = $3
			WHERE replay_status = $4 AND initiated_at < $5`,
			string(contracts.ReplayFailed), StaleTimeout, fmtTime(now),
			string(contracts.ReplayPending), fmtTime(cutoff))
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("replay: sweep: %w", err)}
		}
		moved, err = res.RowsAffected()
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("replay: sweep rows: %w", err)}
		}
		if moved == 0 {
			return nil
		}
		return e.log.Append(ctx, tx, &audit.Entry{
			ActorID:    contracts.SystemActor.ID,
			ActorRole:  contracts.SystemActor.Role,
			Action:     "replay.stale_sweep",
			TargetType: "replay_attempt",
			Success:    true,
			Metadata:   map[string]any{"failed": moved},
		})
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// RunSweeper drives SweepStale on a fixed interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := e.SweepStale(ctx, grace)
			if err != nil {
				e.logger.Error("stale sweep failed", "error", err)
				continue
			}
			if moved > 0 {
				e.logger.Info("stale replays failed", "count", moved)
			}
		}
	}
}

func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("replay: begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("replay: commit: %w", err)}
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// fmtTime renders at fixed microsecond width; initiated_at is compared
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
