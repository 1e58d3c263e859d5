package governance

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/events"
	"github.com/uaesivakumar/upr-authority/pkg/kernelid"
	"github.com/uaesivakumar/upr-authority/pkg/siva"

	_ "modernc.org/sqlite"
)

var govAt = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

var (
	operator = contracts.Actor{ID: "ops-1", Role: contracts.RoleSuperAdmin}
	approver = contracts.Actor{ID: "cal-1", Role: contracts.RoleCalibrationAdmin}
)

type fixture struct {
	svc    *Service
	db     *sql.DB
	log    *audit.Log
	events *events.Log
	scorer *scriptedScorer
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := audit.New(db)
	require.NoError(t, err)
	ev, err := events.New(db)
	require.NoError(t, err)

	scorer := &scriptedScorer{}
	svc, err := New(db, log, ev, scorer)
	require.NoError(t, err)
	svc.WithClock(kernelid.Stepping(govAt, time.Second)).WithIDs(kernelid.Sequential("gov"))
	return &fixture{svc: svc, db: db, log: log, events: ev, scorer: scorer}
}

// scriptedScorer maps scenario payloads to outcomes and a uniform
// dimension level, so tests control aggregates and correlations exactly.
// Unscripted payloads pass (golden) or block (kill).
type scriptedScorer struct {
	mu       sync.Mutex
	fail     map[string]error
	outcomes map[string]contracts.ScenarioOutcome
	levels   map[string]float64
	calls    int
}

func (s *scriptedScorer) Score(_ context.Context, req siva.ScoreRequest) (*siva.ScoreResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if err := s.fail[req.Payload]; err != nil {
		return nil, err
	}
	outcome, ok := s.outcomes[req.Payload]
	if !ok {
		outcome = contracts.OutcomePass
		if req.ScenarioKind == contracts.ScenarioKill {
			outcome = contracts.OutcomeBlock
		}
	}
	level, ok := s.levels[req.Payload]
	if !ok {
		level = 4
	}
	return &siva.ScoreResult{
		Outcome:   outcome,
		Scores:    uniformScores(level),
		LatencyMS: 120,
	}, nil
}

// uniformScores sets every dimension to v, making the weighted CRS
// exactly v/5 since the weights sum to 1.
func uniformScores(v float64) contracts.DimensionScores {
	return contracts.DimensionScores{
		Qualification:        v,
		NeedsDiscovery:       v,
		ValueArticulation:    v,
		ObjectionHandling:    v,
		ProcessAdherence:     v,
		Compliance:           v,
		RelationshipBuilding: v,
		NextStepSecured:      v,
	}
}

// newSuite creates a DRAFT suite with count scenarios, alternating golden
// and kill so both aggregate paths are exercised.
func newSuite(t *testing.T, f *fixture, golden, kill int) *contracts.Suite {
	t.Helper()
	ctx := context.Background()
	suite, err := f.svc.CreateSuite(ctx, operator, CreateSuiteParams{
		SuiteKey:  "sales.uae.enterprise",
		Name:      "Enterprise sales calibration",
		CreatedBy: "ops-1",
	})
	require.NoError(t, err)

	for i := 0; i < golden; i++ {
		_, err := f.svc.AddScenario(ctx, operator, AddScenarioParams{
			SuiteID: suite.SuiteID,
			Kind:    contracts.ScenarioGolden,
			Title:   fmt.Sprintf("golden case %d", i),
			Payload: fmt.Sprintf(`{"golden":%d}`, i),
		})
		require.NoError(t, err)
	}
	for i := 0; i < kill; i++ {
		_, err := f.svc.AddScenario(ctx, operator, AddScenarioParams{
			SuiteID: suite.SuiteID,
			Kind:    contracts.ScenarioKill,
			Title:   fmt.Sprintf("kill case %d", i),
			Payload: fmt.Sprintf(`{"kill":%d}`, i),
		})
		require.NoError(t, err)
	}
	return suite
}

// frozenSuite builds and freezes a suite in one step.
func frozenSuite(t *testing.T, f *fixture, golden, kill int) *contracts.Suite {
	t.Helper()
	suite := newSuite(t, f, golden, kill)
	frozen, err := f.svc.Freeze(context.Background(), operator, suite.SuiteID)
	require.NoError(t, err)
	return frozen
}

// runParams fills the fields every validation run needs.
func runParams(suiteID string) RunParams {
	return RunParams{
		SuiteID:       suiteID,
		SIVAVersion:   "siva-2.4.1",
		CodeCommitSHA: "7f3a9c1",
		Environment:   "staging",
		PersonaID:     "p-uae",
		Seed:          42,
		StartedBy:     "ops-1",
	}
}
