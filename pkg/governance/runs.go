package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/events"
	"github.com/uaesivakumar/upr-authority/pkg/siva"
)

// RunParams pins everything a system validation run needs to be
// reproducible later: the reasoner build, the code commit, the target
// environment, the scoring persona and the seed.
type RunParams struct {
	SuiteID       string
	SIVAVersion   string
	CodeCommitSHA string
	Environment   string
	PersonaID     string
	Seed          int64
	StartedBy     string
}

func (p RunParams) validate() error {
	switch {
	case p.SuiteID == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "suite_id is required")
	case p.SIVAVersion == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "siva_version is required")
	case p.CodeCommitSHA == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "code_commit_sha is required")
	case p.Environment == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "environment is required")
	case p.PersonaID == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "persona_id is required")
	case p.StartedBy == "":
		return contracts.NewKernelError(contracts.CodeValidationFailed, "started_by is required")
	}
	return nil
}

// RunSystemValidation scores every scenario of a frozen suite against the
// reasoner and decides promotion. The run row is created RUNNING in its
// own transaction so a crash mid-scoring leaves evidence for the sweeper;
// scoring fans out across a bounded worker pool; results, aggregates and
// the suite transition commit together in a second transaction, rows in
// sequence order.
//
// Thresholds: golden pass rate >= 0.90 and kill containment >= 0.95
// promote a frozen DRAFT suite to SYSTEM_VALIDATED. A run that clears
// neither still completes; the suite simply stays where it was.
func (s *Service) RunSystemValidation(ctx context.Context, actor contracts.Actor, p RunParams) (*contracts.Run, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	run := &contracts.Run{
		RunID:         s.newID(),
		SuiteID:       p.SuiteID,
		Status:        contracts.RunRunning,
		SIVAVersion:   p.SIVAVersion,
		CodeCommitSHA: p.CodeCommitSHA,
		Environment:   p.Environment,
		PersonaID:     p.PersonaID,
		Seed:          p.Seed,
		StartedAt:     s.clock(),
		StartedBy:     p.StartedBy,
	}

	var scenarios []contracts.SuiteScenario
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		suite, err := s.getSuiteTx(ctx, tx, p.SuiteID)
		if err != nil {
			return err
		}
		if !suite.IsFrozen {
			return contracts.NewKernelError(contracts.CodeSuiteNotFrozen,
				"system validation requires a frozen suite").
				WithDetail("current_status", string(suite.Status)).
				WithDetail("action_required", "freeze")
		}
		if suite.Status != contracts.SuiteDraft && suite.Status != contracts.SuiteSystemValidated {
			return invalidStatus(string(suite.Status),
				"system validation runs only against a frozen DRAFT or SYSTEM_VALIDATED suite",
				"create-version")
		}
		run.ScenarioManifestHash = suite.ScenarioManifestHash

		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE suite_id = $1`,
			p.SuiteID).Scan(&run.RunNumber); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: next run number: %w", err)}
		}

		scenarios, err = s.scenariosTx(ctx, tx, p.SuiteID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, suite_id, run_number, status,
				scenario_manifest_hash, siva_version, code_commit_sha, environment,
				persona_id, seed, started_at, started_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			run.RunID, run.SuiteID, run.RunNumber, string(run.Status),
			run.ScenarioManifestHash, run.SIVAVersion, run.CodeCommitSHA,
			run.Environment, run.PersonaID, run.Seed,
			fmtTime(run.StartedAt), run.StartedBy)
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: insert run: %w", err)}
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "run.start",
			TargetType: "run",
			TargetID:   run.RunID,
			Success:    true,
			Metadata: map[string]any{
				"suite_id":   run.SuiteID,
				"run_number": run.RunNumber,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	results, scoreErr := s.scoreAll(ctx, run, scenarios)
	if err := s.commitRun(ctx, actor, run, results, scoreErr); err != nil {
		return nil, err
	}
	return run, nil
}

// scoreAll fans scenario scoring out over the bounded worker pool. The
// returned slice is positional: results[i] belongs to scenarios[i] and is
// nil where scoring failed. The first failure by sequence order comes back
// as scoreErr; later scenarios still finish so partial evidence persists.
func (s *Service) scoreAll(ctx context.Context, run *contracts.Run, scenarios []contracts.SuiteScenario) ([]*siva.ScoreResult, error) {
	results := make([]*siva.ScoreResult, len(scenarios))
	errs := make([]error, len(scenarios))

	sem := make(chan struct{}, s.fanOut)
	var wg sync.WaitGroup
	for i := range scenarios {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			sc := scenarios[i]
			res, err := s.scorer.Score(ctx, siva.ScoreRequest{
				PersonaID:    run.PersonaID,
				ScenarioID:   sc.ScenarioID,
				ScenarioKind: sc.Kind,
				Payload:      sc.Payload,
				Seed:         run.Seed,
			})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return results, fmt.Errorf("scenario %s: %w", scenarios[i].ScenarioID, err)
		}
	}
	return results, ctx.Err()
}

// commitRun writes result rows in sequence order, derives the aggregates,
// finishes the run and, when thresholds clear on a fresh suite, promotes
// it. One transaction covers all of it.
func (s *Service) commitRun(ctx context.Context, actor contracts.Actor, run *contracts.Run, results []*siva.ScoreResult, scoreErr error) error {
	var goldenCRS, killCRS []float64

	return s.withTx(ctx, func(tx *sql.Tx) error {
		scenarios, err := s.scenariosTx(ctx, tx, run.SuiteID)
		if err != nil {
			return err
		}

		for i, sc := range scenarios {
			if i >= len(results) || results[i] == nil {
				continue
			}
			res := results[i]
			crs := res.Scores.WeightedCRS()

			switch sc.Kind {
			case contracts.ScenarioGolden:
				run.GoldenTotal++
				goldenCRS = append(goldenCRS, crs)
				if res.Outcome == contracts.OutcomePass {
					run.GoldenPassed++
				}
			case contracts.ScenarioKill:
				run.KillTotal++
				killCRS = append(killCRS, crs)
				if res.Outcome == contracts.OutcomeBlock {
					run.KillContained++
				}
			}

			scoresJSON, err := json.Marshal(res.Scores)
			if err != nil {
				return fmt.Errorf("governance: marshal scores: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_results (result_id, run_id, scenario_id, sequence_order,
					kind, outcome, scores, weighted_crs, latency_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				s.newID(), run.RunID, sc.ScenarioID, sc.SequenceOrder,
				string(sc.Kind), string(res.Outcome), string(scoresJSON),
				crs, res.LatencyMS); err != nil {
				return &contracts.Retryable{Err: fmt.Errorf("governance: insert result: %w", err)}
			}
		}

		if run.GoldenTotal > 0 {
			run.GoldenPassRate = float64(run.GoldenPassed) / float64(run.GoldenTotal)
		}
		if run.KillTotal > 0 {
			run.KillContainment = float64(run.KillContained) / float64(run.KillTotal)
		}
		run.CohensD = cohensD(goldenCRS, killCRS)
		run.ThresholdsMet = scoreErr == nil &&
			run.GoldenPassRate >= contracts.GoldenPassThreshold &&
			run.KillContainment >= contracts.KillContainmentThreshold

		run.Status = contracts.RunCompleted
		if scoreErr != nil {
			run.Status = contracts.RunFailed
			run.FailureReason = scoreErr.Error()
		}
		now := s.clock()
		run.EndedAt = &now

		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = $1, golden_total = $2, golden_passed = $3,
				kill_total = $4, kill_contained = $5, golden_pass_rate = $6,
				kill_containment_rate = $7, cohens_d = $8, thresholds_met = $9,
				failure_reason = $10, ended_at = $11
			WHERE run_id = $12`,
			string(run.Status), run.GoldenTotal, run.GoldenPassed,
			run.KillTotal, run.KillContained, run.GoldenPassRate,
			run.KillContainment, run.CohensD, boolToInt(run.ThresholdsMet),
			nullIfEmpty(run.FailureReason), fmtTime(now), run.RunID); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: finish run: %w", err)}
		}

		if err := s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "run.complete",
			TargetType: "run",
			TargetID:   run.RunID,
			Success:    run.Status == contracts.RunCompleted,
			Reason:     run.FailureReason,
			Metadata: map[string]any{
				"golden_pass_rate":      run.GoldenPassRate,
				"kill_containment_rate": run.KillContainment,
				"cohens_d":              run.CohensD,
				"thresholds_met":        run.ThresholdsMet,
			},
		}); err != nil {
			return err
		}
		if err := s.events.Record(ctx, tx, &events.Event{
			EventType: "run.finished",
			SuiteID:   run.SuiteID,
			ActorID:   actor.ID,
			Payload: map[string]any{
				"run_id":         run.RunID,
				"run_number":     run.RunNumber,
				"status":         string(run.Status),
				"thresholds_met": run.ThresholdsMet,
			},
		}); err != nil {
			return err
		}

		if !run.ThresholdsMet {
			return nil
		}
		suite, err := s.getSuiteTx(ctx, tx, run.SuiteID)
		if err != nil {
			return err
		}
		if suite.Status != contracts.SuiteDraft {
			return nil
		}
		return s.transition(ctx, tx, actor, suite, contracts.SuiteSystemValidated,
			fmt.Sprintf("run %d cleared validation thresholds", run.RunNumber))
	})
}

// cohensD measures the separation between golden and kill CRS
// distributions with the pooled standard deviation. Degenerate inputs
// (either group under two samples, or zero pooled variance) yield 0.
func cohensD(golden, kill []float64) float64 {
	nG, nK := float64(len(golden)), float64(len(kill))
	if nG < 2 || nK < 2 {
		return 0
	}
	meanG, varG := meanVariance(golden)
	meanK, varK := meanVariance(kill)
	pooled := ((nG-1)*varG + (nK-1)*varK) / (nG + nK - 2)
	if pooled <= 0 {
		return 0
	}
	return (meanG - meanK) / math.Sqrt(pooled)
}

// meanVariance returns the mean and the sample variance (n-1 denominator).
func meanVariance(xs []float64) (mean, variance float64) {
	n := float64(len(xs))
	for _, x := range xs {
		mean += x
	}
	mean /= n
	if n < 2 {
		return mean, 0
	}
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return mean, variance / (n - 1)
}

// FailRun force-fails a RUNNING run, recording why. Replay drift inside a
// validation harness lands here: the drift verdict lives on the replay
// attempt, the regression verdict on the run.
func (s *Service) FailRun(ctx context.Context, actor contracts.Actor, runID, reason string) (*contracts.Run, error) {
	if reason == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "a failure reason is required")
	}
	var run *contracts.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = s.getRunTx(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Status != contracts.RunRunning {
			return invalidStatus(string(run.Status),
				"only a RUNNING run can be failed", "run-system-validation")
		}
		now := s.clock()
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = $1, failure_reason = $2, ended_at = $3
			WHERE run_id = $4`,
			string(contracts.RunFailed), reason, fmtTime(now), runID); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: fail run: %w", err)}
		}
		run.Status = contracts.RunFailed
		run.FailureReason = reason
		run.EndedAt = &now
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "run.fail",
			TargetType: "run",
			TargetID:   runID,
			Success:    true,
			Reason:     reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun loads one run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*contracts.Run, error) {
	return s.getRunTx(ctx, nil, runID)
}

// ListRuns returns a suite's runs, newest run number first.
func (s *Service) ListRuns(ctx context.Context, suiteID string, limit int) ([]contracts.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE suite_id = $1
		 ORDER BY run_number DESC LIMIT $2`, suiteID, limit)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: list runs: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("governance: scan run: %w", err)}
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// RunResults returns a run's per-scenario rows in sequence order.
func (s *Service) RunResults(ctx context.Context, runID string) ([]contracts.RunResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT result_id, run_id, scenario_id, sequence_order, kind, outcome,
			scores, weighted_crs, latency_ms, failure_reason
		FROM run_results WHERE run_id = $1 ORDER BY sequence_order ASC`, runID)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: run results: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.RunResult
	for rows.Next() {
		var (
			r             contracts.RunResult
			scoresJSON    string
			failureReason sql.NullString
		)
		if err := rows.Scan(&r.ResultID, &r.RunID, &r.ScenarioID, &r.SequenceOrder,
			&r.Kind, &r.Outcome, &scoresJSON, &r.WeightedCRS, &r.LatencyMS,
			&failureReason); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("governance: scan result: %w", err)}
		}
		if err := json.Unmarshal([]byte(scoresJSON), &r.Scores); err != nil {
			return nil, fmt.Errorf("governance: decode scores: %w", err)
		}
		r.FailureReason = failureReason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// SweepStaleRuns fails RUNNING runs older than grace. A crashed scorer
// must not pin a run in RUNNING forever; the sweeper gives operators a
// terminal state to react to. Returns how many runs were failed.
func (s *Service) SweepStaleRuns(ctx context.Context, grace time.Duration) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	cutoff := s.clock().Add(-grace)
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM runs WHERE status = $1 AND started_at < $2`,
		string(contracts.RunRunning), fmtTime(cutoff))
	if err != nil {
		return 0, &contracts.Retryable{Err: fmt.Errorf("governance: find stale runs: %w", err)}
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, &contracts.Retryable{Err: fmt.Errorf("governance: scan stale run: %w", err)}
		}
		stale = append(stale, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &contracts.Retryable{Err: fmt.Errorf("governance: iterate stale runs: %w", err)}
	}

	swept := 0
	for _, runID := range stale {
		if _, err := s.FailRun(ctx, contracts.SystemActor, runID,
			"run exceeded the staleness grace period"); err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info("stale runs failed", "count", swept, "grace", grace.String())
	}
	return swept, nil
}

const runColumns = `run_id, suite_id, run_number, status, scenario_manifest_hash,
	siva_version, code_commit_sha, environment, persona_id, seed,
	golden_total, golden_passed, kill_total, kill_contained,
	golden_pass_rate, kill_containment_rate, cohens_d, thresholds_met,
	failure_reason, started_at, started_by, ended_at`

func scanRun(row rowScanner) (*contracts.Run, error) {
	var (
		run           contracts.Run
		thresholds    int
		failureReason sql.NullString
		startedAt     string
		endedAt       sql.NullString
	)
	err := row.Scan(&run.RunID, &run.SuiteID, &run.RunNumber, &run.Status,
		&run.ScenarioManifestHash, &run.SIVAVersion, &run.CodeCommitSHA,
		&run.Environment, &run.PersonaID, &run.Seed,
		&run.GoldenTotal, &run.GoldenPassed, &run.KillTotal, &run.KillContained,
		&run.GoldenPassRate, &run.KillContainment, &run.CohensD, &thresholds,
		&failureReason, &startedAt, &run.StartedBy, &endedAt)
	if err != nil {
		return nil, err
	}
	run.ThresholdsMet = thresholds != 0
	run.FailureReason = failureReason.String
	run.StartedAt = parseTime(startedAt)
	run.EndedAt = parseTimePtr(endedAt)
	return &run, nil
}

func (s *Service) getRunTx(ctx context.Context, tx *sql.Tx, runID string) (*contracts.Run, error) {
	var q queryRower = s.db
	if tx != nil {
		q = tx
	}
	run, err := scanRun(q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID))
	if err == sql.ErrNoRows {
		return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "no run %s", runID)
	}
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: read run: %w", err)}
	}
	return run, nil
}
