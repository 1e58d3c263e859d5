package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"

	_ "modernc.org/sqlite"
)

func setupLog(t *testing.T) (*Log, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := New(db)
	require.NoError(t, err)
	return log, db
}

func TestAppendAndQuery(t *testing.T) {
	log, db := setupLog(t)
	ctx := context.Background()

	e := &Entry{
		ActorID:      "user-1",
		ActorRole:    contracts.RoleEnterpriseAdmin,
		Action:       "enterprise.create",
		TargetType:   "enterprise",
		TargetID:     "ent-1",
		EnterpriseID: "ent-1",
		Success:      true,
		Metadata:     map[string]any{"name": "Acme"},
	}
	require.NoError(t, log.Append(ctx, db, e))
	assert.NotEmpty(t, e.EntryID)
	assert.False(t, e.OccurredAt.IsZero())

	got, err := log.Query(ctx, Filter{ActorID: "user-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "enterprise.create", got[0].Action)
	assert.Equal(t, contracts.RoleEnterpriseAdmin, got[0].ActorRole)
	assert.True(t, got[0].Success)
	assert.Equal(t, "Acme", got[0].Metadata["name"])
}

func TestAppendInsideTransaction(t *testing.T) {
	log, db := setupLog(t)
	ctx := context.Background()

	// Rolled-back transactions must leave no audit residue.
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, tx, &Entry{
		ActorID: "user-2", ActorRole: contracts.RoleUser,
		Action: "workspace.create", TargetType: "workspace", TargetID: "ws-1",
		Success: true,
	}))
	require.NoError(t, tx.Rollback())

	got, err := log.Query(ctx, Filter{ActorID: "user-2"})
	require.NoError(t, err)
	assert.Empty(t, got)

	// Committed transactions persist the entry together with the action.
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, tx, &Entry{
		ActorID: "user-2", ActorRole: contracts.RoleUser,
		Action: "workspace.create", TargetType: "workspace", TargetID: "ws-1",
		Success: true,
	}))
	require.NoError(t, tx.Commit())

	got, err = log.Query(ctx, Filter{ActorID: "user-2"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueryFilters(t *testing.T) {
	log, db := setupLog(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	log.WithClock(kernelid.Stepping(base, time.Minute))

	entries := []*Entry{
		{ActorID: "a", ActorRole: contracts.RoleSystem, Action: "envelope.expire", TargetType: "envelope", TargetID: "env-1", Success: true},
		{ActorID: "b", ActorRole: contracts.RoleUser, Action: "envelope.seal", TargetType: "envelope", TargetID: "env-2", EnterpriseID: "ent-9", Success: true},
		{ActorID: "b", ActorRole: contracts.RoleUser, Action: "identity.update", TargetType: "identity", TargetID: "u-3", EnterpriseID: "ent-9", Success: false, Reason: "CROSS_ENTERPRISE_FORBIDDEN"},
	}
	for _, e := range entries {
		require.NoError(t, log.Append(ctx, db, e))
	}

	byTarget, err := log.Query(ctx, Filter{TargetType: "envelope", TargetID: "env-2"})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	assert.Equal(t, "envelope.seal", byTarget[0].Action)

	byEnterprise, err := log.Query(ctx, Filter{EnterpriseID: "ent-9"})
	require.NoError(t, err)
	assert.Len(t, byEnterprise, 2)

	since := base.Add(90 * time.Second)
	recent, err := log.Query(ctx, Filter{Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "identity.update", recent[0].Action)
	assert.False(t, recent[0].Success)
	assert.Equal(t, "CROSS_ENTERPRISE_FORBIDDEN", recent[0].Reason)
}

func TestQueryOrderAndLimit(t *testing.T) {
	log, db := setupLog(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	log.WithClock(kernelid.Stepping(base, time.Second)).WithIDs(kernelid.Sequential("ae"))

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, db, &Entry{
			ActorID: "a", ActorRole: contracts.RoleSystem,
			Action: "sweep", TargetType: "envelope", TargetID: "env", Success: true,
		}))
	}

	got, err := log.Query(ctx, Filter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	assert.Equal(t, "ae-5", got[0].EntryID)
	assert.True(t, got[0].OccurredAt.After(got[1].OccurredAt))
	assert.True(t, got[1].OccurredAt.After(got[2].OccurredAt))
}
