package export_test

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/export"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
	"github.com/uaesivakumar/upr-authority/pkg/trace"
)

var expAt = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

var expOps = contracts.Actor{ID: "ops@upr.test", Role: contracts.RoleSuperAdmin}

type exportFixture struct {
	db       *sql.DB
	log      *audit.Log
	recorder *trace.Recorder
	dir      string
	svc      *export.Service
}

func newFixture(t *testing.T) *exportFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := audit.New(db)
	require.NoError(t, err)

	recorder, err := trace.New(db, log, nil, []byte("export-test-secret"))
	require.NoError(t, err)
	recorder.WithClock(kernelid.Stepping(expAt, time.Second)).
		WithIDs(kernelid.Sequential("int"))

	dir := t.TempDir()
	store, err := export.NewFileStore(dir)
	require.NoError(t, err)

	svc, err := export.New(db, log, store, log, recorder)
	require.NoError(t, err)
	svc.WithClock(kernelid.Stepping(expAt, time.Minute)).
		WithIDs(kernelid.Sequential("exp"))

	return &exportFixture{db: db, log: log, recorder: recorder, dir: dir, svc: svc}
}

// seedAudit appends entries with a recognizable action so bundles can be
// filtered down to them.
func (f *exportFixture) seedAudit(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, f.log.Append(ctx, f.db, &audit.Entry{
			ActorID:    "seeder",
			ActorRole:  contracts.RoleSystem,
			Action:     "envelope.seal",
			TargetType: "envelope",
			TargetID:   fmt.Sprintf("env-%d", i),
			Success:    true,
			OccurredAt: expAt.Add(time.Duration(i) * time.Second),
		}))
	}
}

func (f *exportFixture) seedInteractions(t *testing.T, tenant string, n int) {
	t.Helper()
	ctx := context.Background()
	hash := strings.Repeat("ab", 32)
	for i := 0; i < n; i++ {
		_, err := f.recorder.Record(ctx, trace.RecordParams{
			TenantID:        tenant,
			WorkspaceID:     "ws-1",
			EnvelopeSHA256:  hash,
			EnvelopeVersion: "1.0.0",
			PersonaID:       "persona-1",
			PolicyVersion:   1,
			ModelSlug:       "gpt-test",
			Outcome:         "QUALIFIED",
			RiskScore:       0.1,
		})
		require.NoError(t, err)
	}
}

type exportedBundle struct {
	Kind        string                  `json:"kind"`
	RequestID   string                  `json:"request_id"`
	GeneratedAt string                  `json:"generated_at"`
	RecordCount int                     `json:"record_count"`
	Audits      []audit.Entry           `json:"-"`
	Interacts   []contracts.Interaction `json:"-"`
	RawRecords  json.RawMessage         `json:"records"`
}

func decodeBundle(t *testing.T, data []byte) exportedBundle {
	t.Helper()
	var b exportedBundle
	require.NoError(t, json.Unmarshal(data, &b))
	switch b.Kind {
	case export.KindAudit:
		require.NoError(t, json.Unmarshal(b.RawRecords, &b.Audits))
	case export.KindInteractions:
		require.NoError(t, json.Unmarshal(b.RawRecords, &b.Interacts))
	}
	return b
}

func TestCreateAndProcessAuditExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAudit(t, 2)

	req, err := f.svc.Create(ctx, expOps, export.KindAudit, export.Filters{Action: "envelope.seal"})
	require.NoError(t, err)
	assert.Equal(t, export.StatusPending, req.Status)
	assert.Equal(t, "exp-1", req.RequestID)
	assert.Equal(t, expOps.ID, req.RequestedBy)
	assert.Nil(t, req.CompletedAt)

	done, err := f.svc.Process(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, export.StatusCompleted, done.Status)
	assert.NotEmpty(t, done.ObjectKey)
	assert.Len(t, done.BundleHash, 64)
	assert.Equal(t, done.BundleHash+".json", done.ObjectKey)
	require.NotNil(t, done.CompletedAt)

	// Bundle bytes live on disk under the content-addressed key and hash
	// back to the recorded bundle hash.
	data, err := os.ReadFile(filepath.Join(f.dir, done.ObjectKey))
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, done.BundleHash, hex.EncodeToString(sum[:]))

	bundle := decodeBundle(t, data)
	assert.Equal(t, export.KindAudit, bundle.Kind)
	assert.Equal(t, req.RequestID, bundle.RequestID)
	assert.Equal(t, 2, bundle.RecordCount)
	require.Len(t, bundle.Audits, 2)
	// Newest first.
	assert.Equal(t, "env-1", bundle.Audits[0].TargetID)
	assert.Equal(t, "env-0", bundle.Audits[1].TargetID)

	// Both lifecycle audit entries exist.
	created, err := f.log.Query(ctx, audit.Filter{Action: "export.create"})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, expOps.ID, created[0].ActorID)

	completed, err := f.log.Query(ctx, audit.Filter{Action: "export.complete"})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Success)
	assert.EqualValues(t, 2, completed[0].Metadata["record_count"])
}

func TestProcessTwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, expOps, export.KindAudit, export.Filters{})
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, req.RequestID)
	require.NoError(t, err)

	_, err = f.svc.Process(ctx, req.RequestID)
	assert.True(t, contracts.IsCode(err, contracts.CodeInvalidStatus))
}

func TestProcessInteractionsExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedInteractions(t, "tenant-a", 2)
	f.seedInteractions(t, "tenant-b", 1)

	req, err := f.svc.Create(ctx, expOps, export.KindInteractions,
		export.Filters{TenantID: "tenant-a"})
	require.NoError(t, err)

	done, err := f.svc.Process(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, export.StatusCompleted, done.Status)

	data, err := f.svc.Download(ctx, req.RequestID)
	require.NoError(t, err)
	bundle := decodeBundle(t, data)
	assert.Equal(t, export.KindInteractions, bundle.Kind)
	assert.Equal(t, 2, bundle.RecordCount)
	require.Len(t, bundle.Interacts, 2)
	for _, in := range bundle.Interacts {
		assert.Equal(t, "tenant-a", in.TenantID)
	}
}

func TestProcessEmptyResultStillCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, expOps, export.KindInteractions,
		export.Filters{TenantID: "tenant-none"})
	require.NoError(t, err)

	done, err := f.svc.Process(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, export.StatusCompleted, done.Status)

	data, err := f.svc.Download(ctx, req.RequestID)
	require.NoError(t, err)
	bundle := decodeBundle(t, data)
	assert.Equal(t, 0, bundle.RecordCount)
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, contracts.Actor{}, export.KindAudit, export.Filters{})
	assert.True(t, contracts.IsCode(err, contracts.CodeValidationFailed))

	_, err = f.svc.Create(ctx, expOps, "everything", export.Filters{})
	assert.True(t, contracts.IsCode(err, contracts.CodeValidationFailed))

	since := expAt
	until := expAt.Add(-time.Hour)
	_, err = f.svc.Create(ctx, expOps, export.KindAudit,
		export.Filters{Since: &since, Until: &until})
	assert.True(t, contracts.IsCode(err, contracts.CodeValidationFailed))
}

type failingAudits struct{ err error }

func (f failingAudits) Query(ctx context.Context, _ audit.Filter) ([]audit.Entry, error) {
	return nil, f.err
}

func TestProcessSourceFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	store, err := export.NewFileStore(t.TempDir())
	require.NoError(t, err)
	svc, err := export.New(f.db, f.log, store,
		failingAudits{err: fmt.Errorf("backing store offline")}, f.recorder)
	require.NoError(t, err)
	svc.WithClock(kernelid.Fixed(expAt)).WithIDs(kernelid.Sequential("fail"))

	req, err := svc.Create(ctx, expOps, export.KindAudit, export.Filters{})
	require.NoError(t, err)

	_, err = svc.Process(ctx, req.RequestID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backing store offline")

	got, err := svc.Get(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, export.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "backing store offline")
	assert.Empty(t, got.ObjectKey)

	entries, err := f.log.Query(ctx, audit.Filter{
		Action:   "export.complete",
		TargetID: req.RequestID,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)

	// A failed request does not return to the queue.
	_, err = svc.Process(ctx, req.RequestID)
	assert.True(t, contracts.IsCode(err, contracts.CodeInvalidStatus))
}

func TestProcessPendingSweeps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAudit(t, 1)

	_, err := f.svc.Create(ctx, expOps, export.KindAudit, export.Filters{})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, expOps, export.KindInteractions, export.Filters{})
	require.NoError(t, err)

	done, err := f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	list, err := f.svc.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, req := range list {
		assert.Equal(t, export.StatusCompleted, req.Status)
	}

	// Nothing left to do.
	done, err = f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, done)
}

func TestListNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, expOps, export.KindAudit, export.Filters{})
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, expOps, export.KindAudit, export.Filters{})
	require.NoError(t, err)

	list, err := f.svc.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.RequestID, list[0].RequestID)
	assert.Equal(t, first.RequestID, list[1].RequestID)

	list, err = f.svc.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDownloadGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.Create(ctx, expOps, export.KindAudit, export.Filters{})
	require.NoError(t, err)

	// PENDING requests have no bundle yet.
	_, err = f.svc.Download(ctx, req.RequestID)
	assert.True(t, contracts.IsCode(err, contracts.CodeInvalidStatus))

	_, err = f.svc.Download(ctx, "exp-ghost")
	assert.True(t, contracts.IsCode(err, contracts.CodeNotFound))

	done, err := f.svc.Process(ctx, req.RequestID)
	require.NoError(t, err)

	// Tamper with the stored bundle; Download must notice.
	path := filepath.Join(f.dir, done.ObjectKey)
	require.NoError(t, os.WriteFile(path, []byte(`{"kind":"audit","records":[]}`), 0o644))
	_, err = f.svc.Download(ctx, req.RequestID)
	assert.True(t, contracts.IsCode(err, contracts.CodeInternal))
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := export.NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"kind":"audit"}`)
	key, hash, err := store.Store(ctx, data)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)
	assert.Equal(t, hash+".json", key)

	// Idempotent: same bytes, same key.
	again, hash2, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	assert.Equal(t, hash, hash2)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = store.Get(ctx, "not-a-key")
	assert.Error(t, err)

	missing := strings.Repeat("00", 32) + ".json"
	_, err = store.Get(ctx, missing)
	assert.ErrorContains(t, err, "not found")
}
