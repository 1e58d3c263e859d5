package purge_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/authstore"
	"github.com/uaesivakumar/upr-authority/pkg/configkernel"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/events"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
	"github.com/uaesivakumar/upr-authority/pkg/purge"
)

var purgeAt = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

var purgeOps = contracts.Actor{ID: "retention@upr.test", Role: contracts.RoleSuperAdmin}

type purgeFixture struct {
	db  *sql.DB
	log *audit.Log
	ck  *configkernel.Store
	svc *purge.Service
}

func newFixture(t *testing.T) *purgeFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := audit.New(db)
	require.NoError(t, err)

	// Neighboring stores own the tables the purge job scans.
	_, err = authstore.New(db, log)
	require.NoError(t, err)
	_, err = events.New(db)
	require.NoError(t, err)

	ck, err := configkernel.New(db, log)
	require.NoError(t, err)

	svc, err := purge.New(db, log, ck)
	require.NoError(t, err)
	svc.WithClock(kernelid.Stepping(purgeAt, time.Second)).
		WithIDs(kernelid.Sequential("purge"))

	return &purgeFixture{db: db, log: log, ck: ck, svc: svc}
}

func fmtT(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// seedRetentionRows plants one aged and one fresh row in every scope the
// purge job covers.
func seedRetentionRows(t *testing.T, f *purgeFixture) {
	t.Helper()
	ctx := context.Background()
	exec := func(query string, args ...any) {
		t.Helper()
		_, err := f.db.ExecContext(ctx, query, args...)
		require.NoError(t, err)
	}

	created := purgeAt.AddDate(-2, 0, 0)
	agedDelete := purgeAt.AddDate(0, 0, -100)
	freshDelete := purgeAt.AddDate(0, 0, -10)

	exec(`INSERT INTO workspaces (workspace_id, enterprise_id, sub_vertical_id,
			name, status, created_at, deleted_at, deleted_by)
		VALUES ('ws-aged', 'ent-1', 'sv-1', 'Aged', 'DELETED', $1, $2, 'ops'),
			('ws-fresh', 'ent-1', 'sv-1', 'Fresh', 'DELETED', $1, $3, 'ops'),
			('ws-live', 'ent-1', 'sv-1', 'Live', 'ACTIVE', $1, NULL, NULL)`,
		fmtT(created), fmtT(agedDelete), fmtT(freshDelete))

	exec(`INSERT INTO execution_identities (user_id, enterprise_id, workspace_id,
			sub_vertical_id, role, mode, status, created_at, deleted_at)
		VALUES ('user-aged', 'ent-1', 'ws-live', 'sv-1', 'USER', 'ASSISTED', 'DELETED', $1, $2),
			('user-live', 'ent-1', 'ws-live', 'sv-1', 'USER', 'ASSISTED', 'ACTIVE', $1, NULL)`,
		fmtT(created), fmtT(agedDelete))

	exec(`INSERT INTO business_events (event_id, event_type, actor_id, occurred_at)
		VALUES ('evt-aged', 'suite.frozen', 'system', $1),
			('evt-fresh', 'suite.frozen', 'system', $2)`,
		fmtT(purgeAt.AddDate(0, -19, 0)), fmtT(purgeAt.AddDate(0, -1, 0)))

	require.NoError(t, f.log.Append(ctx, f.db, &audit.Entry{
		ActorID:    "historian",
		ActorRole:  contracts.RoleSystem,
		Action:     "envelope.seal",
		TargetType: "envelope",
		TargetID:   "env-ancient",
		Success:    true,
		OccurredAt: purgeAt.AddDate(0, -85, 0),
	}))
}

func enableHardPurge(t *testing.T, f *purgeFixture) {
	t.Helper()
	_, err := f.ck.Set(context.Background(), purgeOps, configkernel.SetParams{
		Namespace: purge.SwitchNamespace,
		Key:       purge.SwitchKey,
		Value:     json.RawMessage("true"),
		UpdatedBy: purgeOps.ID,
	})
	require.NoError(t, err)
}

func countRows(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func TestDryRunCountsWithoutDeleting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedRetentionRows(t, f)

	job, err := f.svc.Run(ctx, true)
	require.NoError(t, err)

	assert.True(t, job.DryRun)
	assert.False(t, job.HardDelete)
	assert.Equal(t, purge.Counts{Workspaces: 1, Identities: 1, Events: 1, AuditEntries: 1},
		job.Eligible)
	assert.Equal(t, purge.Counts{}, job.Deleted)
	assert.Equal(t, 4, job.Eligible.Total())
	assert.False(t, job.FinishedAt.Before(job.StartedAt))

	// Nothing was touched.
	assert.Equal(t, 3, countRows(t, f.db, `SELECT COUNT(*) FROM workspaces`))
	assert.Equal(t, 2, countRows(t, f.db, `SELECT COUNT(*) FROM execution_identities`))
	assert.Equal(t, 2, countRows(t, f.db, `SELECT COUNT(*) FROM business_events`))

	jobs, err := f.svc.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.JobID, jobs[0].JobID)
	assert.Equal(t, job.Eligible, jobs[0].Eligible)

	entries, err := f.log.Query(ctx, audit.Filter{Action: "purge.run"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.EqualValues(t, 4, entries[0].Metadata["eligible"])
	assert.EqualValues(t, 0, entries[0].Metadata["deleted"])
}

func TestApplyRequiresMasterSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedRetentionRows(t, f)

	_, err := f.svc.Run(ctx, false)
	require.Error(t, err)
	assert.True(t, contracts.IsCode(err, contracts.CodeForbidden))
	var kerr *contracts.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "governance/hard_purge_enabled", kerr.Details["switch"])

	// Refusal leaves no job row but is audited.
	jobs, err := f.svc.ListJobs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	entries, err := f.log.Query(ctx, audit.Filter{Action: "purge.run"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, contracts.CodeForbidden, entries[0].Reason)

	// Rows are untouched.
	assert.Equal(t, 3, countRows(t, f.db, `SELECT COUNT(*) FROM workspaces`))
}

func TestApplyDeletesPastRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedRetentionRows(t, f)
	enableHardPurge(t, f)

	job, err := f.svc.Run(ctx, false)
	require.NoError(t, err)
	assert.False(t, job.DryRun)
	assert.True(t, job.HardDelete)
	assert.Equal(t, job.Eligible, job.Deleted)
	assert.Equal(t, 4, job.Deleted.Total())

	// Aged rows are gone, fresh and live rows stay.
	assert.Equal(t, 0, countRows(t, f.db,
		`SELECT COUNT(*) FROM workspaces WHERE workspace_id = 'ws-aged'`))
	assert.Equal(t, 1, countRows(t, f.db,
		`SELECT COUNT(*) FROM workspaces WHERE workspace_id = 'ws-fresh'`))
	assert.Equal(t, 1, countRows(t, f.db,
		`SELECT COUNT(*) FROM workspaces WHERE workspace_id = 'ws-live'`))
	assert.Equal(t, 0, countRows(t, f.db,
		`SELECT COUNT(*) FROM execution_identities WHERE user_id = 'user-aged'`))
	assert.Equal(t, 1, countRows(t, f.db,
		`SELECT COUNT(*) FROM execution_identities WHERE user_id = 'user-live'`))
	assert.Equal(t, 0, countRows(t, f.db,
		`SELECT COUNT(*) FROM business_events WHERE event_id = 'evt-aged'`))
	assert.Equal(t, 1, countRows(t, f.db,
		`SELECT COUNT(*) FROM business_events WHERE event_id = 'evt-fresh'`))
	assert.Equal(t, 0, countRows(t, f.db,
		`SELECT COUNT(*) FROM audit_log WHERE target_id = 'env-ancient'`))

	// Recent audit entries survive, including the pass's own record.
	entries, err := f.log.Query(ctx, audit.Filter{Action: "purge.run"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)

	// A second pass finds nothing.
	again, err := f.svc.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Eligible.Total())
	assert.Equal(t, 0, again.Deleted.Total())
}

func TestConfigDefaultsSeededOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg, err := f.svc.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, purge.DefaultSoftDeleteWindowDays, cfg.SoftDeleteWindowDays)
	assert.Equal(t, purge.DefaultBTESignalRetentionMonths, cfg.BTESignalRetentionMonths)
	assert.Equal(t, purge.DefaultAuditRetentionMonths, cfg.AuditRetentionMonths)

	require.NoError(t, f.svc.UpdateConfig(ctx, purgeOps, purge.KeySoftDeleteWindowDays, 30))

	// Re-seeding on restart keeps the operator's value.
	again, err := purge.New(f.db, f.log, f.ck)
	require.NoError(t, err)
	cfg, err = again.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.SoftDeleteWindowDays)
	assert.Equal(t, purge.DefaultAuditRetentionMonths, cfg.AuditRetentionMonths)

	entries, err := f.log.Query(ctx, audit.Filter{Action: "purge.config"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, purgeOps.ID, entries[0].ActorID)
	assert.Equal(t, purge.KeySoftDeleteWindowDays, entries[0].TargetID)
	assert.EqualValues(t, 30, entries[0].Metadata["value"])
}

func TestUpdateConfigValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.UpdateConfig(ctx, purgeOps, "grace_period", 10)
	assert.True(t, contracts.IsCode(err, contracts.CodeValidationFailed))

	err = f.svc.UpdateConfig(ctx, purgeOps, purge.KeySoftDeleteWindowDays, 0)
	assert.True(t, contracts.IsCode(err, contracts.CodeValidationFailed))

	// The audit retention floor is mandated; raising is fine.
	err = f.svc.UpdateConfig(ctx, purgeOps, purge.KeyAuditRetentionMonths, 83)
	assert.True(t, contracts.IsCode(err, contracts.CodeValidationFailed))
	require.NoError(t, f.svc.UpdateConfig(ctx, purgeOps, purge.KeyAuditRetentionMonths, 120))

	cfg, err := f.svc.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.AuditRetentionMonths)
}

func TestConfigDrivesCutoffs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.ExecContext(ctx, `
		INSERT INTO business_events (event_id, event_type, actor_id, occurred_at)
		VALUES ('evt-recent', 'suite.frozen', 'system', $1)`,
		fmtT(purgeAt.AddDate(0, -2, 0)))
	require.NoError(t, err)

	job, err := f.svc.Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, job.Eligible.Events)

	// Tightening retention to one month makes the two-month-old event
	// eligible.
	require.NoError(t, f.svc.UpdateConfig(ctx, purgeOps, purge.KeyBTESignalRetentionMonths, 1))
	job, err = f.svc.Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Eligible.Events)
}

func TestListJobsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Run(ctx, true)
	require.NoError(t, err)
	second, err := f.svc.Run(ctx, true)
	require.NoError(t, err)

	jobs, err := f.svc.ListJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.JobID, jobs[0].JobID)
	assert.Equal(t, first.JobID, jobs[1].JobID)

	jobs, err = f.svc.ListJobs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
