// Package governance runs the suite lifecycle state machine that gates
// promotion of a reasoning configuration to production. A suite moves
// DRAFT → (freeze) → SYSTEM_VALIDATED → HUMAN_VALIDATED → GA_APPROVED,
// with system validation runs scoring frozen scenarios against the
// external reasoner and human calibration sessions checking that machine
// scores track human judgment. Every transition commits its suite_status
// row, audit entry and business event in one transaction.
package governance

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/canonical"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/events"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
	"github.com/uaesivakumar/upr-authority/pkg/siva"
)

// DefaultFanOut bounds how many scenarios score concurrently in a run.
const DefaultFanOut = 8

// inviteTokenBytes is the entropy behind an evaluator token. 48 bytes
// render to 64 URL-safe characters.
const inviteTokenBytes = 48

// Emitter receives governance events after they commit. *hooks.Registry
// satisfies it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload map[string]any)
}

// Service owns the governance tables and the external scorer handle.
type Service struct {
	db      *sql.DB
	log     *audit.Log
	events  *events.Log
	scorer  siva.Scorer
	clock   kernelid.Clock
	newID   kernelid.Generator
	fanOut  int
	emitter Emitter
	logger  *slog.Logger

	sweepMu sync.Mutex
}

// New builds the service and ensures its tables exist.
func New(db *sql.DB, log *audit.Log, ev *events.Log, scorer siva.Scorer) (*Service, error) {
	s := &Service{
		db:     db,
		log:    log,
		events: ev,
		scorer: scorer,
		clock:  kernelid.Now,
		newID:  kernelid.NewID,
		fanOut: DefaultFanOut,
		logger: slog.Default().With("component", "governance"),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("governance: migrate: %w", err)
	}
	return s, nil
}

// WithClock overrides the timestamp source.
func (s *Service) WithClock(clock kernelid.Clock) *Service {
	s.clock = clock
	return s
}

// WithIDs overrides the identifier source.
func (s *Service) WithIDs(gen kernelid.Generator) *Service {
	s.newID = gen
	return s
}

// WithFanOut overrides how many scenarios score concurrently per run.
func (s *Service) WithFanOut(n int) *Service {
	if n > 0 {
		s.fanOut = n
	}
	return s
}

// WithEvents attaches an event emitter for promotion hooks.
func (s *Service) WithEvents(e Emitter) *Service {
	s.emitter = e
	return s
}

func (s *Service) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS suites (
		suite_id TEXT PRIMARY KEY,
		suite_key TEXT NOT NULL UNIQUE,
		base_suite_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		is_frozen INTEGER NOT NULL DEFAULT 0,
		scenario_manifest_hash TEXT,
		scenario_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		frozen_at TEXT,
		deprecated_at TEXT,
		deprecated_reason TEXT,
		UNIQUE (base_suite_key, version)
	);
	CREATE TABLE IF NOT EXISTS suite_status (
		transition_id TEXT PRIMARY KEY,
		suite_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT,
		actor_id TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_suite_status_suite
		ON suite_status (suite_id, occurred_at);
	CREATE TABLE IF NOT EXISTS suite_scenarios (
		scenario_id TEXT PRIMARY KEY,
		suite_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		sequence_order INTEGER NOT NULL,
		title TEXT NOT NULL,
		payload TEXT NOT NULL,
		scenario_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (suite_id, sequence_order),
		UNIQUE (suite_id, scenario_hash)
	);
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		suite_id TEXT NOT NULL,
		run_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		scenario_manifest_hash TEXT NOT NULL,
		siva_version TEXT NOT NULL,
		code_commit_sha TEXT NOT NULL,
		environment TEXT NOT NULL,
		persona_id TEXT NOT NULL,
		seed INTEGER NOT NULL,
		golden_total INTEGER NOT NULL DEFAULT 0,
		golden_passed INTEGER NOT NULL DEFAULT 0,
		kill_total INTEGER NOT NULL DEFAULT 0,
		kill_contained INTEGER NOT NULL DEFAULT 0,
		golden_pass_rate REAL NOT NULL DEFAULT 0,
		kill_containment_rate REAL NOT NULL DEFAULT 0,
		cohens_d REAL NOT NULL DEFAULT 0,
		thresholds_met INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		started_by TEXT NOT NULL,
		UNIQUE (suite_id, run_number)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_suite ON runs (suite_id, run_number);
	CREATE TABLE IF NOT EXISTS run_results (
		result_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		scenario_id TEXT NOT NULL,
		sequence_order INTEGER NOT NULL,
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		scores TEXT NOT NULL,
		weighted_crs REAL NOT NULL,
		latency_ms INTEGER NOT NULL,
		failure_reason TEXT,
		UNIQUE (run_id, scenario_id)
	);
	CREATE INDEX IF NOT EXISTS idx_run_results_run ON run_results (run_id, sequence_order);
	CREATE TABLE IF NOT EXISTS human_sessions (
		session_id TEXT PRIMARY KEY,
		suite_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		evaluator_count INTEGER NOT NULL,
		deadline TEXT NOT NULL,
		spearman_rho REAL,
		icc REAL,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_suite ON human_sessions (suite_id, created_at);
	CREATE TABLE IF NOT EXISTS evaluator_invites (
		invite_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		evaluator_email TEXT NOT NULL,
		evaluator_index INTEGER NOT NULL,
		token TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		first_accessed_at TEXT,
		first_user_agent TEXT,
		first_ip TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (session_id, evaluator_email)
	);
	CREATE TABLE IF NOT EXISTS evaluator_scenario_queue (
		invite_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		scenario_id TEXT NOT NULL,
		PRIMARY KEY (invite_id, position)
	);
	CREATE TABLE IF NOT EXISTS human_scores (
		score_id TEXT PRIMARY KEY,
		invite_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		scenario_id TEXT NOT NULL,
		scores TEXT NOT NULL,
		weighted_crs REAL NOT NULL,
		would_pursue TEXT NOT NULL,
		confidence REAL NOT NULL,
		submitted_at TEXT NOT NULL,
		UNIQUE (invite_id, scenario_id)
	);
	CREATE INDEX IF NOT EXISTS idx_human_scores_session
		ON human_scores (session_id, scenario_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// transition moves a suite to a new status inside the caller's
// transaction, recording the suite_status row, the audit entry and the
// business event that make the move reviewable.
func (s *Service) transition(ctx context.Context, tx *sql.Tx, actor contracts.Actor,
	suite *contracts.Suite, to contracts.SuiteStatus, reason string) error {
	now := s.clock()
	from := suite.Status

	if _, err := tx.ExecContext(ctx,
		`UPDATE suites SET status = $1 WHERE suite_id = $2`,
		string(to), suite.SuiteID); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("governance: update status: %w", err)}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO suite_status (transition_id, suite_id, from_status, to_status, reason, actor_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.newID(), suite.SuiteID, string(from), string(to), nullIfEmpty(reason),
		actor.ID, fmtTime(now)); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("governance: record transition: %w", err)}
	}
	if err := s.log.Append(ctx, tx, &audit.Entry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     "suite.transition",
		TargetType: "suite",
		TargetID:   suite.SuiteID,
		Success:    true,
		Reason:     reason,
		Metadata:   map[string]any{"from": string(from), "to": string(to)},
	}); err != nil {
		return err
	}
	if err := s.events.Record(ctx, tx, &events.Event{
		EventType: "suite.status_changed",
		SuiteID:   suite.SuiteID,
		ActorID:   actor.ID,
		Payload:   map[string]any{"from": string(from), "to": string(to), "reason": reason},
	}); err != nil {
		return err
	}
	suite.Status = to
	return nil
}

// invalidStatus builds the precondition failure every governance command
// returns: the current status plus the step that would unblock it.
func invalidStatus(current, message, actionRequired string) error {
	return contracts.NewKernelError(contracts.CodeInvalidStatus, message).
		WithDetail("current_status", current).
		WithDetail("action_required", actionRequired)
}

// newToken mints one evaluator invite token: 48 random bytes, URL-safe.
func newToken() (string, error) {
	buf := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("governance: token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("governance: begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("governance: commit: %w", err)}
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// fmtTime renders at fixed microsecond width; expires_at and started_at
// are compared lexicographically, so trimmed fractional digits would
// misorder rows.
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
