package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/configkernel"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/envelope"
	"github.com/uaesivakumar/upr-authority/pkg/events"
	"github.com/uaesivakumar/upr-authority/pkg/export"
	"github.com/uaesivakumar/upr-authority/pkg/gate"
	"github.com/uaesivakumar/upr-authority/pkg/governance"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
	"github.com/uaesivakumar/upr-authority/pkg/observability"
	"github.com/uaesivakumar/upr-authority/pkg/ratelimit"
	"github.com/uaesivakumar/upr-authority/pkg/replay"
	"github.com/uaesivakumar/upr-authority/pkg/resolver"
	"github.com/uaesivakumar/upr-authority/pkg/siva"
	"github.com/uaesivakumar/upr-authority/pkg/trace"
)

// sealNow pins the sealer clock. Seal timestamps participate in the
// canonical hash, so a fixed instant keeps repeated seals idempotent
// within a test.
var sealNow = time.Now().UTC().Truncate(time.Second)

type catalogFake struct {
	personas    []contracts.Persona
	policies    map[string][]contracts.PersonaPolicy
	territories []contracts.Territory
}

func (f *catalogFake) ActivePersonas(_ context.Context, subVertical string) ([]contracts.Persona, error) {
	var out []contracts.Persona
	for _, p := range f.personas {
		if p.SubVertical == subVertical && p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *catalogFake) ActivePolicies(_ context.Context, personaID string) ([]contracts.PersonaPolicy, error) {
	return f.policies[personaID], nil
}

func (f *catalogFake) ActiveTerritories(context.Context) ([]contracts.Territory, error) {
	return f.territories, nil
}

func (f *catalogFake) SubVerticalBound(context.Context, string, string) (bool, error) {
	return false, nil
}

// caseLevel maps a scenario payload {"case":N} to a score band so machine
// CRS varies across a suite instead of collapsing to one value.
func caseLevel(payload string) int {
	var p struct {
		Case int `json:"case"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return 3
	}
	return 2 + p.Case%3
}

func levelScores(v int) contracts.DimensionScores {
	f := float64(v)
	return contracts.DimensionScores{
		Qualification: f, NeedsDiscovery: f, ValueArticulation: f,
		ObjectionHandling: f, ProcessAdherence: f, Compliance: f,
		RelationshipBuilding: f, NextStepSecured: f,
	}
}

// apiScorer passes goldens and blocks kills, with payload-derived scores
// so correlation math downstream has variance to work with.
type apiScorer struct{}

func (apiScorer) Score(_ context.Context, req siva.ScoreRequest) (*siva.ScoreResult, error) {
	outcome := contracts.OutcomePass
	if req.ScenarioKind == contracts.ScenarioKill {
		outcome = contracts.OutcomeBlock
	}
	return &siva.ScoreResult{
		Outcome:   outcome,
		Scores:    levelScores(caseLevel(req.Payload)),
		LatencyMS: 40,
	}, nil
}

type fixture struct {
	t       *testing.T
	db      *sql.DB
	handler http.Handler
	auth    *Authenticator
	suites  *governance.Service
	exports *export.Service
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := audit.New(db)
	require.NoError(t, err)
	envStore, err := envelope.New(db, log)
	require.NoError(t, err)

	cat := &catalogFake{
		personas: []contracts.Persona{
			{PersonaID: "p-gl", Scope: contracts.ScopeGlobal, SubVertical: "sv-1", IsActive: true},
			{PersonaID: "p-uae", Scope: contracts.ScopeRegional, SubVertical: "sv-1", RegionCode: "UAE", IsActive: true},
		},
		policies: map[string][]contracts.PersonaPolicy{
			"p-uae": {{PolicyID: "pol-uae", PersonaID: "p-uae", PolicyVersion: 3, Status: contracts.PolicyActive}},
			"p-gl":  {{PolicyID: "pol-gl", PersonaID: "p-gl", PolicyVersion: 1, Status: contracts.PolicyActive}},
		},
		territories: []contracts.Territory{
			{TerritoryID: "t-uae", Slug: "uae", Name: "United Arab Emirates",
				Level: contracts.LevelCountry, CountryCode: "UAE",
				CoverageType: contracts.CoverageMulti, Status: contracts.StatusActive},
			{TerritoryID: "t-global", Slug: "global", Name: "Global",
				Level: contracts.LevelGlobal, CoverageType: contracts.CoverageGlobal,
				Status: contracts.StatusActive},
		},
	}
	sealer := envelope.NewSealer(resolver.New(cat), envStore).WithClock(kernelid.Fixed(sealNow))

	gates, err := gate.New(db, log, envStore)
	require.NoError(t, err)
	replays, err := replay.New(db, log, envStore)
	require.NoError(t, err)

	ev, err := events.New(db)
	require.NoError(t, err)
	suites, err := governance.New(db, log, ev, apiScorer{})
	require.NoError(t, err)

	configs, err := configkernel.New(db, log)
	require.NoError(t, err)

	recorder, err := trace.New(db, log, nil, []byte("trace-test-secret"))
	require.NoError(t, err)
	objects, err := export.NewFileStore(t.TempDir())
	require.NoError(t, err)
	exports, err := export.New(db, log, objects, log, recorder)
	require.NoError(t, err)

	slos := observability.NewSLOTracker()
	for _, target := range observability.DefaultTargets() {
		slos.SetTarget(target)
	}
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	deps := Deps{
		DB:            db,
		Sealer:        sealer,
		Envelopes:     envStore,
		Gate:          gates,
		Replays:       replays,
		Suites:        suites,
		Configs:       configs,
		Audits:        log,
		Exports:       exports,
		Traces:        recorder,
		Auth:          NewAuthenticator("test-signing-secret"),
		Observability: obs,
		SLOs:          slos,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &fixture{
		t:       t,
		db:      db,
		handler: New(deps).Handler(),
		auth:    deps.Auth,
		suites:  suites,
		exports: exports,
	}
}

func (f *fixture) token(id Identity) string {
	f.t.Helper()
	if id.EnterpriseID == "" {
		id.EnterpriseID = "ent-1"
	}
	if id.WorkspaceID == "" {
		id.WorkspaceID = "ws-1"
	}
	tok, err := f.auth.IssueToken(id, time.Hour)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) userToken() string {
	return f.token(Identity{UserID: "user-1", Role: contracts.RoleUser})
}

func (f *fixture) adminToken() string {
	return f.token(Identity{UserID: "root-1", Role: contracts.RoleSuperAdmin})
}

func (f *fixture) calibToken() string {
	return f.token(Identity{UserID: "calib-1", Role: contracts.RoleCalibrationAdmin})
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.9:42120"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// seal is the shortcut most flows start with: one valid envelope for
// tenant ent-1 resolved through the UAE persona.
func (f *fixture) seal(token, content string) *contracts.Envelope {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/v1/envelopes/seal", token, map[string]any{
		"sub_vertical": "sv-1",
		"region_code":  "UAE-DUBAI",
		"content":      json.RawMessage(content),
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	var resp sealResponse
	dataInto(f.t, rec, &resp)
	return resp.Envelope
}

type wireResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Details   map[string]any  `json:"details"`
	RequestID string          `json:"request_id"`
}

func parseWire(t *testing.T, rec *httptest.ResponseRecorder) wireResponse {
	t.Helper()
	var w wireResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w), "body: %s", rec.Body.String())
	return w
}

func dataInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	w := parseWire(t, rec)
	require.True(t, w.Success, "expected success envelope, got: %s", rec.Body.String())
	require.NoError(t, json.Unmarshal(w.Data, dst))
}

func wantError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) wireResponse {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	w := parseWire(t, rec)
	assert.False(t, w.Success)
	assert.Equal(t, code, w.Error)
	return w
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]string
	dataInto(t, rec, &health)
	assert.Equal(t, "ok", health["status"])
}

func TestMissingTokenRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/suites", "", nil)
	w := wantError(t, rec, http.StatusUnauthorized, contracts.CodeUnauthorized)
	assert.Contains(t, w.Message, "Authorization")
}

func TestMalformedAuthSchemeRejected(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/suites", nil)
	req.Header.Set("Authorization", "Token abc123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	wantError(t, rec, http.StatusUnauthorized, contracts.CodeUnauthorized)
}

func TestForgedTokenRejected(t *testing.T) {
	f := newFixture(t)
	forger := NewAuthenticator("some-other-secret")
	tok, err := forger.IssueToken(Identity{UserID: "mallory", EnterpriseID: "ent-1"}, time.Hour)
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/v1/suites", tok, nil)
	wantError(t, rec, http.StatusUnauthorized, contracts.CodeUnauthorized)
}

func TestSystemRoleTokenRejected(t *testing.T) {
	f := newFixture(t)
	tok, err := f.auth.IssueToken(Identity{
		UserID: "sys", EnterpriseID: "ent-1", Role: contracts.RoleSystem,
	}, time.Hour)
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/v1/suites", tok, nil)
	wantError(t, rec, http.StatusUnauthorized, contracts.CodeUnauthorized)
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newFixture(t)
	tok, err := f.auth.IssueToken(Identity{UserID: "user-1", EnterpriseID: "ent-1"}, -time.Minute)
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/v1/suites", tok, nil)
	wantError(t, rec, http.StatusUnauthorized, contracts.CodeUnauthorized)
}

func TestTokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator("roundtrip-secret")
	tok, err := auth.IssueToken(Identity{
		UserID:       "user-7",
		EnterpriseID: "ent-7",
		WorkspaceID:  "ws-7",
		Role:         contracts.RoleEnterpriseAdmin,
	}, time.Hour)
	require.NoError(t, err)

	ident, err := auth.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-7", ident.UserID)
	assert.Equal(t, "ent-7", ident.EnterpriseID)
	assert.Equal(t, "ws-7", ident.WorkspaceID)
	assert.Equal(t, contracts.RoleEnterpriseAdmin, ident.Role)
}

func TestTokenWithoutRoleDefaultsToUser(t *testing.T) {
	auth := NewAuthenticator("roundtrip-secret")
	tok, err := auth.IssueToken(Identity{UserID: "user-8", EnterpriseID: "ent-8"}, time.Hour)
	require.NoError(t, err)

	ident, err := auth.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, contracts.RoleUser, ident.Role)
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", parseWire(t, rec).RequestID)
}

func TestRequestIDGenerated(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestIdentityFromEmptyContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{contracts.CodeValidationFailed, http.StatusBadRequest},
		{contracts.CodeScenarioLimit, http.StatusBadRequest},
		{contracts.CodeUnauthorized, http.StatusUnauthorized},
		{contracts.CodeForbidden, http.StatusForbidden},
		{contracts.CodeCrossEnterpriseForbidden, http.StatusForbidden},
		{contracts.CodeAuthorityInvarianceViolation, http.StatusForbidden},
		{contracts.CodeNotFound, http.StatusNotFound},
		{contracts.CodeEnvelopeNotSealed, http.StatusNotFound},
		{contracts.CodePersonaNotResolved, http.StatusNotFound},
		{contracts.CodeInvalidStatus, http.StatusConflict},
		{contracts.CodeSuiteNotFrozen, http.StatusConflict},
		{contracts.CodeDuplicateScenario, http.StatusConflict},
		{contracts.CodeCorrelationTooLow, http.StatusConflict},
		{contracts.CodeEnvelopeRevoked, http.StatusConflict},
		{contracts.CodeInviteExpired, http.StatusGone},
		{contracts.CodeRateLimited, http.StatusTooManyRequests},
		{contracts.CodeInternal, http.StatusInternalServerError},
		{"SOMETHING_NOVEL", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.code), "code %s", tc.code)
	}
}

func TestUnknownBodyFieldRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/envelopes/seal", f.userToken(), map[string]any{
		"sub_vertical": "sv-1",
		"region_code":  "UAE-DUBAI",
		"content":      json.RawMessage(`{}`),
		"bogus":        true,
	})
	w := wantError(t, rec, http.StatusBadRequest, contracts.CodeValidationFailed)
	assert.Contains(t, w.Message, "malformed request body")
}

func TestUnmatchedRouteIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/nope", f.userToken(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPerIPLimiter(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.PerIP = ratelimit.NewInProcess(ratelimit.Policy{PerDay: 1, Burst: 1})
	})

	first := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodGet, "/healthz", "", nil)
	wantError(t, second, http.StatusTooManyRequests, contracts.CodeRateLimited)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))
}

func TestSLOStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	token := f.userToken()

	// One observed request on a target operation.
	rec := f.do(http.MethodPost, "/v1/runtime-gate/check", token, map[string]any{
		"endpoint": "/crm/leads",
		"method":   "POST",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/v1/ops/slo", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Operations []observability.SLOStatus `json:"operations"`
	}
	dataInto(t, rec, &status)
	require.Len(t, status.Operations, 4)

	var gateStatus *observability.SLOStatus
	for i := range status.Operations {
		if status.Operations[i].Operation == "POST /v1/runtime-gate/check" {
			gateStatus = &status.Operations[i]
		}
	}
	require.NotNil(t, gateStatus)
	assert.Equal(t, 1, gateStatus.ObservationCount)
	assert.True(t, gateStatus.InCompliance)
}
