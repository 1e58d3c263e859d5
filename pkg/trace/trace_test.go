package trace

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
	"github.com/uaesivakumar/upr-authority/pkg/policygate"

	_ "modernc.org/sqlite"
)

var recordedAt = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func setup(t *testing.T, secret string) (*Recorder, *audit.Log) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := audit.New(db)
	require.NoError(t, err)
	gates, err := policygate.New(policygate.DefaultGates())
	require.NoError(t, err)

	rec, err := New(db, log, gates, []byte(secret))
	require.NoError(t, err)
	rec.WithClock(kernelid.Fixed(recordedAt)).WithIDs(kernelid.Sequential("int"))
	return rec, log
}

func params() RecordParams {
	return RecordParams{
		TenantID:        "ent-1",
		WorkspaceID:     "ws-1",
		UserID:          "user-1",
		EnvelopeSHA256:  testHash,
		EnvelopeVersion: "1.0.0",
		PersonaID:       "p-uae",
		PersonaVersion:  "3",
		PolicyVersion:   3,
		ModelSlug:       "siva-7",
		RoutingDecision: map[string]any{"route": "primary"},
		ToolsAllowed:    []string{"crm.lookup", "email.draft"},
		ToolsUsed:       []string{"crm.lookup"},
		EvidenceUsed: []contracts.EvidenceRef{{
			Source:      "crm",
			ContentHash: "deadbeef",
			TTLSeconds:  300,
			FetchedAt:   recordedAt,
		}},
		TokensIn:     1200,
		TokensOut:    340,
		CostEstimate: 0.042,
		CacheHit:     false,
		RiskScore:    0.25,
		Outcome:      "QUALIFIED",
		LatencyMS:    412,
		Source:       "api",
	}
}

func TestRecordPersistsSignedInteraction(t *testing.T) {
	rec, log := setup(t, "operator-secret")

	in, err := rec.Record(context.Background(), params())
	require.NoError(t, err)
	assert.Equal(t, "int-1", in.InteractionID)
	assert.False(t, in.EscalationTriggered)
	assert.NotEmpty(t, in.Signature)
	assert.True(t, rec.Verify(in))

	stored, err := rec.Get(context.Background(), in.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, in.Signature, stored.Signature)
	assert.Equal(t, in.EnvelopeSHA256, stored.EnvelopeSHA256)
	assert.Equal(t, "QUALIFIED", stored.Outcome)
	assert.Equal(t, 1200, stored.TokensIn)
	assert.Equal(t, []string{"crm.lookup"}, stored.ToolsUsed)
	assert.Equal(t, "primary", stored.RoutingDecision["route"])
	require.Len(t, stored.EvidenceUsed, 1)
	assert.Equal(t, "crm", stored.EvidenceUsed[0].Source)
	assert.True(t, rec.Verify(stored))

	entries, err := log.Query(context.Background(), audit.Filter{Action: "trace.record"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, testHash, entries[0].Metadata["envelope_sha256"])
}

func TestRecordEvaluatesPolicyGates(t *testing.T) {
	rec, _ := setup(t, "operator-secret")

	// crm.export is not in tools_allowed, so the unlisted-tool gate fires.
	p := params()
	p.ToolsUsed = []string{"crm.lookup", "crm.export"}
	in, err := rec.Record(context.Background(), p)
	require.NoError(t, err)

	var unlisted *contracts.PolicyGateHit
	for i := range in.PolicyGatesHit {
		if in.PolicyGatesHit[i].Gate == "unlisted-tool" {
			unlisted = &in.PolicyGatesHit[i]
		}
	}
	require.NotNil(t, unlisted)
	assert.True(t, unlisted.Triggered)
	assert.Equal(t, contracts.GateBlock, unlisted.Action)

	stored, err := rec.Get(context.Background(), in.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, in.PolicyGatesHit, stored.PolicyGatesHit)
}

func TestRecordEscalatesHighRisk(t *testing.T) {
	rec, _ := setup(t, "operator-secret")

	p := params()
	p.RiskScore = 0.85
	in, err := rec.Record(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, in.EscalationTriggered)

	// Exactly at the threshold does not escalate.
	p = params()
	p.RiskScore = contracts.EscalationRiskThreshold
	in, err = rec.Record(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, in.EscalationTriggered)
}

func TestSignatureBindsIDHashAndOutcome(t *testing.T) {
	rec, _ := setup(t, "operator-secret")

	in, err := rec.Record(context.Background(), params())
	require.NoError(t, err)

	// The documented formula: HMAC-SHA256(key, id ":" hash ":" outcome).
	mac := hmac.New(sha256.New, rec.key)
	mac.Write([]byte(in.InteractionID + ":" + in.EnvelopeSHA256 + ":" + in.Outcome))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), in.Signature)

	// Any tampered field breaks verification.
	tampered := *in
	tampered.Outcome = "REJECTED"
	assert.False(t, rec.Verify(&tampered))

	tampered = *in
	tampered.EnvelopeSHA256 = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	assert.False(t, rec.Verify(&tampered))
}

func TestDifferentSecretsDisagree(t *testing.T) {
	recA, _ := setup(t, "secret-a")
	recB, _ := setup(t, "secret-b")

	in, err := recA.Record(context.Background(), params())
	require.NoError(t, err)
	assert.True(t, recA.Verify(in))
	assert.False(t, recB.Verify(in))
}

func TestNewRequiresSecret(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log, err := audit.New(db)
	require.NoError(t, err)

	_, err = New(db, log, nil, nil)
	require.Error(t, err)
}

func TestRecordValidatesParams(t *testing.T) {
	rec, _ := setup(t, "operator-secret")
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*RecordParams)
	}{
		{"missing tenant", func(p *RecordParams) { p.TenantID = "" }},
		{"short hash", func(p *RecordParams) { p.EnvelopeSHA256 = "abc" }},
		{"missing persona", func(p *RecordParams) { p.PersonaID = "" }},
		{"missing model", func(p *RecordParams) { p.ModelSlug = "" }},
		{"missing outcome", func(p *RecordParams) { p.Outcome = "" }},
		{"risk above one", func(p *RecordParams) { p.RiskScore = 1.2 }},
		{"negative risk", func(p *RecordParams) { p.RiskScore = -0.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := params()
			tc.mutate(&p)
			_, err := rec.Record(ctx, p)
			assert.True(t, contracts.IsCode(err, contracts.CodeValidationFailed))
		})
	}
}

func TestByEnvelopeListsNewestFirst(t *testing.T) {
	rec, _ := setup(t, "operator-secret")
	rec.WithClock(kernelid.Stepping(recordedAt, time.Minute))
	ctx := context.Background()

	first, err := rec.Record(ctx, params())
	require.NoError(t, err)
	second, err := rec.Record(ctx, params())
	require.NoError(t, err)

	other := params()
	other.EnvelopeSHA256 = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	_, err = rec.Record(ctx, other)
	require.NoError(t, err)

	list, err := rec.ByEnvelope(ctx, testHash, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.InteractionID, list[0].InteractionID)
	assert.Equal(t, first.InteractionID, list[1].InteractionID)

	_, err = rec.ByEnvelope(ctx, "", 0)
	assert.True(t, contracts.IsCode(err, contracts.CodeValidationFailed))
}

func TestRecorderWithoutGatesStoresNoHits(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log, err := audit.New(db)
	require.NoError(t, err)

	rec, err := New(db, log, nil, []byte("operator-secret"))
	require.NoError(t, err)
	rec.WithClock(kernelid.Fixed(recordedAt)).WithIDs(kernelid.Sequential("int"))

	in, err := rec.Record(context.Background(), params())
	require.NoError(t, err)
	assert.Empty(t, in.PolicyGatesHit)
	assert.True(t, rec.Verify(in))
}
