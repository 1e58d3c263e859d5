// Package purge implements the retention job. Each pass scans for
// soft-deleted authority rows past the soft-delete window, business
// events past signal retention and audit entries past their mandated
// retention, then either reports the counts (dry run, the default) or
// hard-deletes them. Hard deletion additionally requires the governance
// master switch, which ships off. Every pass writes a purge_jobs row and
// an audit entry, so retention activity is itself retained.
package purge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
)

// Retention keys in purge_config.
const (
	KeySoftDeleteWindowDays     = "soft_delete_window_days"
	KeyBTESignalRetentionMonths = "bte_signal_retention_months"
	KeyAuditRetentionMonths     = "audit_retention_months"
)

// Defaults seeded when a key has never been set.
const (
	DefaultSoftDeleteWindowDays     = 90
	DefaultBTESignalRetentionMonths = 18
	DefaultAuditRetentionMonths     = 84
)

// The governance master switch that gates hard deletion. It lives in the
// config kernel so flipping it is versioned and audited like any other
// governance change.
const (
	SwitchNamespace = "governance"
	SwitchKey       = "hard_purge_enabled"
)

// Config is the active retention policy.
type Config struct {
	SoftDeleteWindowDays     int `json:"soft_delete_window_days"`
	BTESignalRetentionMonths int `json:"bte_signal_retention_months"`
	AuditRetentionMonths     int `json:"audit_retention_months"`
}

// Counts tallies rows per retention scope.
type Counts struct {
	Workspaces   int `json:"workspaces"`
	Identities   int `json:"identities"`
	Events       int `json:"events"`
	AuditEntries int `json:"audit_entries"`
}

// Total sums all scopes.
func (c Counts) Total() int {
	return c.Workspaces + c.Identities + c.Events + c.AuditEntries
}

// Job is the record of one purge pass.
type Job struct {
	JobID      string    `json:"job_id"`
	DryRun     bool      `json:"dry_run"`
	HardDelete bool      `json:"hard_delete"`
	Eligible   Counts    `json:"eligible"`
	Deleted    Counts    `json:"deleted"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Switch reads governance switches. *configkernel.Store satisfies it.
type Switch interface {
	Bool(ctx context.Context, namespace, key string) (bool, error)
}

// Service owns purge_config and purge_jobs and runs retention passes.
// It reads and deletes across tables owned by other stores, so those
// stores must have migrated before the first pass.
type Service struct {
	db       *sql.DB
	log      *audit.Log
	switches Switch
	clock    kernelid.Clock
	newID    kernelid.Generator
	logger   *slog.Logger

	// mu makes passes single-flight; overlapping sweeps would double-count.
	mu sync.Mutex
}

// New builds the service, ensures its tables exist and seeds the default
// retention policy.
func New(db *sql.DB, log *audit.Log, switches Switch) (*Service, error) {
	s := &Service{
		db:       db,
		log:      log,
		switches: switches,
		clock:    kernelid.Now,
		newID:    kernelid.NewID,
		logger:   slog.Default().With("component", "purge"),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("purge: migrate: %w", err)
	}
	if err := s.seedDefaults(context.Background()); err != nil {
		return nil, fmt.Errorf("purge: seed defaults: %w", err)
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

func (s *Service) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS purge_config (
		config_key TEXT PRIMARY KEY,
		config_value INTEGER NOT NULL,
		updated_by TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS purge_jobs (
		job_id TEXT PRIMARY KEY,
		dry_run INTEGER NOT NULL,
		hard_delete INTEGER NOT NULL,
		eligible JSON NOT NULL,
		deleted JSON NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_purge_jobs_time ON purge_jobs (started_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *Service) seedDefaults(ctx context.Context) error {
	defaults := map[string]int{
		KeySoftDeleteWindowDays:     DefaultSoftDeleteWindowDays,
		KeyBTESignalRetentionMonths: DefaultBTESignalRetentionMonths,
		KeyAuditRetentionMonths:     DefaultAuditRetentionMonths,
	}
	for key, value := range defaults {
		var existing int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM purge_config WHERE config_key = $1`, key).Scan(&existing)
		if err != nil {
			return err
		}
		if existing > 0 {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO purge_config (config_key, config_value, updated_by, updated_at)
			VALUES ($1, $2, $3, $4)`,
			key, value, contracts.SystemActor.ID, fmtTime(s.clock())); err != nil {
			return err
		}
	}
	return nil
}

// GetConfig returns the active retention policy.
func (s *Service) GetConfig(ctx context.Context) (Config, error) {
	cfg := Config{
		SoftDeleteWindowDays:     DefaultSoftDeleteWindowDays,
		BTESignalRetentionMonths: DefaultBTESignalRetentionMonths,
		AuditRetentionMonths:     DefaultAuditRetentionMonths,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT config_key, config_value FROM purge_config`)
	if err != nil {
		return cfg, &contracts.Retryable{Err: fmt.Errorf("purge: read config: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var value int
		if err := rows.Scan(&key, &value); err != nil {
			return cfg, &contracts.Retryable{Err: fmt.Errorf("purge: scan config: %w", err)}
		}
		switch key {
		case KeySoftDeleteWindowDays:
			cfg.SoftDeleteWindowDays = value
		case KeyBTESignalRetentionMonths:
			cfg.BTESignalRetentionMonths = value
		case KeyAuditRetentionMonths:
			cfg.AuditRetentionMonths = value
		}
	}
	return cfg, rows.Err()
}

// UpdateConfig changes one retention knob. The audit retention floor is
// the mandated 84 months; it can be raised but never lowered.
func (s *Service) UpdateConfig(ctx context.Context, actor contracts.Actor, key string, value int) error {
	switch key {
	case KeySoftDeleteWindowDays, KeyBTESignalRetentionMonths, KeyAuditRetentionMonths:
	default:
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"unknown purge config key %q", key)
	}
	if value < 1 {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"%s must be positive, got %d", key, value)
	}
	if key == KeyAuditRetentionMonths && value < DefaultAuditRetentionMonths {
		return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"audit retention cannot drop below %d months", DefaultAuditRetentionMonths)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE purge_config SET config_value = $1, updated_by = $2, updated_at = $3
			WHERE config_key = $4`,
			value, actor.ID, fmtTime(s.clock()), key)
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("purge: update config: %w", err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("purge: update config: %w", err)}
		}
		if n == 0 {
			return contracts.NewKernelErrorf(contracts.CodeNotFound, "no purge config key %q", key)
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "purge.config",
			TargetType: "purge_config",
			TargetID:   key,
			Success:    true,
			Metadata:   map[string]any{"value": value},
		})
	})
}

// hardPurgeEnabled reads the governance master switch; a switch that was
// never seeded counts as off.
func (s *Service) hardPurgeEnabled(ctx context.Context) (bool, error) {
	enabled, err := s.switches.Bool(ctx, SwitchNamespace, SwitchKey)
	if err != nil {
		if contracts.IsCode(err, contracts.CodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return enabled, nil
}

// Run executes one retention pass. With dryRun it only counts; otherwise
// it deletes, which additionally requires the governance master switch.
// Rows younger than their retention cutoff are never candidates.
func (s *Service) Run(ctx context.Context, dryRun bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := s.hardPurgeEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !dryRun && !enabled {
		_ = s.log.Append(ctx, s.db, &audit.Entry{
			ActorID:    contracts.SystemActor.ID,
			ActorRole:  contracts.SystemActor.Role,
			Action:     "purge.run",
			TargetType: "purge_job",
			TargetID:   "rejected",
			Success:    false,
			Reason:     contracts.CodeForbidden,
		})
		return nil, contracts.NewKernelError(contracts.CodeForbidden,
			"hard purge is disabled by the governance master switch").
			WithDetail("switch", SwitchNamespace+"/"+SwitchKey)
	}

	started := s.clock()
	softCutoff := started.AddDate(0, 0, -cfg.SoftDeleteWindowDays)
	eventsCutoff := started.AddDate(0, -cfg.BTESignalRetentionMonths, 0)
	auditCutoff := started.AddDate(0, -cfg.AuditRetentionMonths, 0)

	eligible, err := s.countEligible(ctx, softCutoff, eventsCutoff, auditCutoff)
	if err != nil {
		return nil, err
	}

	job := &Job{
		JobID:      s.newID(),
		DryRun:     dryRun,
		HardDelete: !dryRun,
		Eligible:   eligible,
		StartedAt:  started,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if !dryRun {
			deleted, err := deleteEligible(ctx, tx, softCutoff, eventsCutoff, auditCutoff)
			if err != nil {
				return err
			}
			job.Deleted = deleted
		}
		job.FinishedAt = s.clock()

		eligibleJSON, _ := json.Marshal(job.Eligible)
		deletedJSON, _ := json.Marshal(job.Deleted)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO purge_jobs (job_id, dry_run, hard_delete, eligible, deleted,
				started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			job.JobID, boolToInt(job.DryRun), boolToInt(job.HardDelete),
			string(eligibleJSON), string(deletedJSON),
			fmtTime(job.StartedAt), fmtTime(job.FinishedAt)); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("purge: insert job: %w", err)}
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    contracts.SystemActor.ID,
			ActorRole:  contracts.SystemActor.Role,
			Action:     "purge.run",
			TargetType: "purge_job",
			TargetID:   job.JobID,
			Success:    true,
			Metadata: map[string]any{
				"dry_run":  job.DryRun,
				"eligible": job.Eligible.Total(),
				"deleted":  job.Deleted.Total(),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("purge pass finished",
		"job_id", job.JobID, "dry_run", job.DryRun,
		"eligible", job.Eligible.Total(), "deleted", job.Deleted.Total())
	return job, nil
}

func (s *Service) countEligible(ctx context.Context, soft, events, auditCut time.Time) (Counts, error) {
	var c Counts
	scopes := []struct {
		dst    *int
		query  string
		cutoff time.Time
	}{
		{&c.Workspaces, `SELECT COUNT(*) FROM workspaces
			WHERE deleted_at IS NOT NULL AND deleted_at <= $1`, soft},
		{&c.Identities, `SELECT COUNT(*) FROM execution_identities
			WHERE deleted_at IS NOT NULL AND deleted_at <= $1`, soft},
		{&c.Events, `SELECT COUNT(*) FROM business_events WHERE occurred_at <= $1`, events},
		{&c.AuditEntries, `SELECT COUNT(*) FROM audit_log WHERE occurred_at <= $1`, auditCut},
	}
	for _, scope := range scopes {
		if err := s.db.QueryRowContext(ctx, scope.query, fmtTime(scope.cutoff)).
			Scan(scope.dst); err != nil {
			return c, &contracts.Retryable{Err: fmt.Errorf("purge: count eligible: %w", err)}
		}
	}
	return c, nil
}

// deleteEligible hard-deletes inside the caller's transaction. This is
// the only sanctioned write path into business_events and audit_log, and
// it only ever touches rows past their retention cutoff.
func deleteEligible(ctx context.Context, tx *sql.Tx, soft, events, auditCut time.Time) (Counts, error) {
	var c Counts
	scopes := []struct {
		dst    *int
		query  string
		cutoff time.Time
	}{
		{&c.Workspaces, `DELETE FROM workspaces
			WHERE deleted_at IS NOT NULL AND deleted_at <= $1`, soft},
		{&c.Identities, `DELETE FROM execution_identities
			WHERE deleted_at IS NOT NULL AND deleted_at <= $1`, soft},
		{&c.Events, `DELETE FROM business_events WHERE occurred_at <= $1`, events},
		{&c.AuditEntries, `DELETE FROM audit_log WHERE occurred_at <= $1`, auditCut},
	}
	for _, scope := range scopes {
		res, err := tx.ExecContext(ctx, scope.query, fmtTime(scope.cutoff))
		if err != nil {
			return c, &contracts.Retryable{Err: fmt.Errorf("purge: delete eligible: %w", err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return c, &contracts.Retryable{Err: fmt.Errorf("purge: delete eligible: %w", err)}
		}
		*scope.dst = int(n)
	}
	return c, nil
}

// ListJobs returns purge passes newest first. The default limit is 100.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, dry_run, hard_delete, eligible, deleted, started_at, finished_at
		FROM purge_jobs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("purge: list jobs: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		var (
			job                Job
			dryRun, hardDelete int
			eligible, deleted  string
			started, finished  string
		)
		if err := rows.Scan(&job.JobID, &dryRun, &hardDelete, &eligible, &deleted,
			&started, &finished); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("purge: scan job: %w", err)}
		}
		job.DryRun = dryRun != 0
		job.HardDelete = hardDelete != 0
		_ = json.Unmarshal([]byte(eligible), &job.Eligible)
		_ = json.Unmarshal([]byte(deleted), &job.Deleted)
		job.StartedAt = parseTime(started)
		job.FinishedAt = parseTime(finished)
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("purge: begin tx: %w", err)}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("purge: commit: %w", err)}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
