package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/events"
)

// inviteGrace extends scoring past the session deadline so an evaluator
// who started before the cutoff can finish.
const inviteGrace = 24 * time.Hour

// CalibrationParams opens a human calibration session against a
// SYSTEM_VALIDATED suite.
type CalibrationParams struct {
	SuiteID         string
	EvaluatorEmails []string
	Deadline        time.Time
	CreatedBy       string
}

// StartHumanCalibration issues one tokenized invite per evaluator, each
// with a deterministic per-evaluator shuffle of the suite's scenarios.
// Tokens come back to the caller; delivering them is not the kernel's
// business. The session pins the latest run that cleared thresholds so
// human scores correlate against a fixed machine baseline.
func (s *Service) StartHumanCalibration(ctx context.Context, actor contracts.Actor, p CalibrationParams) (*contracts.HumanSession, []contracts.EvaluatorInvite, error) {
	switch {
	case p.SuiteID == "":
		return nil, nil, contracts.NewKernelError(contracts.CodeValidationFailed, "suite_id is required")
	case p.CreatedBy == "":
		return nil, nil, contracts.NewKernelError(contracts.CodeValidationFailed, "created_by is required")
	case p.Deadline.IsZero() || !p.Deadline.After(s.clock()):
		return nil, nil, contracts.NewKernelError(contracts.CodeValidationFailed, "deadline must be in the future")
	}
	if len(p.EvaluatorEmails) < contracts.MinEvaluators {
		return nil, nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"calibration needs at least %d evaluators", contracts.MinEvaluators)
	}
	seen := make(map[string]bool, len(p.EvaluatorEmails))
	for _, email := range p.EvaluatorEmails {
		if email == "" {
			return nil, nil, contracts.NewKernelError(contracts.CodeValidationFailed, "evaluator email must not be empty")
		}
		if seen[email] {
			return nil, nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
				"duplicate evaluator email %s", email)
		}
		seen[email] = true
	}

	now := s.clock()
	session := &contracts.HumanSession{
		SessionID:      s.newID(),
		SuiteID:        p.SuiteID,
		Status:         contracts.SessionInProgress,
		EvaluatorCount: len(p.EvaluatorEmails),
		Deadline:       p.Deadline,
		CreatedAt:      now,
		CreatedBy:      p.CreatedBy,
	}
	invites := make([]contracts.EvaluatorInvite, 0, len(p.EvaluatorEmails))

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		suite, err := s.getSuiteTx(ctx, tx, p.SuiteID)
		if err != nil {
			return err
		}
		if suite.Status != contracts.SuiteSystemValidated {
			return invalidStatus(string(suite.Status),
				"human calibration requires a SYSTEM_VALIDATED suite", "run-system-validation")
		}

		var open int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM human_sessions WHERE suite_id = $1 AND status = $2`,
			p.SuiteID, string(contracts.SessionInProgress)).Scan(&open); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: open sessions: %w", err)}
		}
		if open > 0 {
			return invalidStatus(string(suite.Status),
				"a calibration session is already in progress for this suite",
				"complete-or-expire-session")
		}

		err = tx.QueryRowContext(ctx, `
			SELECT run_id FROM runs
			WHERE suite_id = $1 AND status = $2 AND thresholds_met = 1
			ORDER BY run_number DESC LIMIT 1`,
			p.SuiteID, string(contracts.RunCompleted)).Scan(&session.RunID)
		if err == sql.ErrNoRows {
			return contracts.NewKernelError(contracts.CodeThresholdNotMet,
				"no completed run cleared the validation thresholds").
				WithDetail("current_status", string(suite.Status)).
				WithDetail("action_required", "run-system-validation")
		}
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: pin run: %w", err)}
		}

		scenarios, err := s.scenariosTx(ctx, tx, p.SuiteID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO human_sessions (session_id, suite_id, run_id, status,
				evaluator_count, deadline, created_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			session.SessionID, session.SuiteID, session.RunID, string(session.Status),
			session.EvaluatorCount, fmtTime(session.Deadline),
			fmtTime(session.CreatedAt), session.CreatedBy)
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: insert session: %w", err)}
		}

		for i, email := range p.EvaluatorEmails {
			token, err := newToken()
			if err != nil {
				return err
			}
			invite := contracts.EvaluatorInvite{
				InviteID:       s.newID(),
				SessionID:      session.SessionID,
				EvaluatorEmail: email,
				EvaluatorIndex: i,
				Token:          token,
				Status:         contracts.InvitePending,
				ExpiresAt:      p.Deadline.Add(inviteGrace),
				CreatedAt:      now,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO evaluator_invites (invite_id, session_id, evaluator_email,
					evaluator_index, token, status, expires_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				invite.InviteID, invite.SessionID, invite.EvaluatorEmail,
				invite.EvaluatorIndex, invite.Token, string(invite.Status),
				fmtTime(invite.ExpiresAt), fmtTime(invite.CreatedAt)); err != nil {
				return &contracts.Retryable{Err: fmt.Errorf("governance: insert invite: %w", err)}
			}

			for pos, idx := range ShuffledOrder(i, len(scenarios)) {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO evaluator_scenario_queue (invite_id, position, scenario_id)
					VALUES ($1, $2, $3)`,
					invite.InviteID, pos, scenarios[idx].ScenarioID); err != nil {
					return &contracts.Retryable{Err: fmt.Errorf("governance: insert queue row: %w", err)}
				}
			}
			invites = append(invites, invite)
		}

		if err := s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     "calibration.start",
			TargetType: "human_session",
			TargetID:   session.SessionID,
			Success:    true,
			Metadata: map[string]any{
				"suite_id":        p.SuiteID,
				"run_id":          session.RunID,
				"evaluator_count": session.EvaluatorCount,
				"deadline":        fmtTime(p.Deadline),
			},
		}); err != nil {
			return err
		}
		return s.events.Record(ctx, tx, &events.Event{
			EventType: "calibration.started",
			SuiteID:   p.SuiteID,
			ActorID:   actor.ID,
			Payload: map[string]any{
				"session_id":      session.SessionID,
				"evaluator_count": session.EvaluatorCount,
			},
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return session, invites, nil
}

// ShuffledOrder returns evaluator i's deterministic permutation of n
// scenario positions. One Fisher-Yates pass, descending, with the swap
// index derived from a fixed linear congruence so the order is
// byte-identical across runs and platforms:
//
//	k = ((((i+1)*12345 + j)*9301 + 49297) mod 233280) * (j+1) / 233280
//
// All arithmetic is 64-bit integer; no floating point is involved.
func ShuffledOrder(evaluatorIndex, n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	i64 := int64(evaluatorIndex)
	for j := n - 1; j >= 1; j-- {
		j64 := int64(j)
		r := (((i64+1)*12345+j64)*9301 + 49297) % 233280
		k := r * (j64 + 1) / 233280
		order[j], order[k] = order[k], order[j]
	}
	return order
}

// QueueItem is one position of an evaluator's scoring queue.
type QueueItem struct {
	Position int                     `json:"position"`
	Scenario contracts.SuiteScenario `json:"scenario"`
	Scored   bool                    `json:"scored"`
}

// InviteView is everything an evaluator needs to work: the invite, its
// session, and the queue with per-scenario progress.
type InviteView struct {
	Invite    contracts.EvaluatorInvite `json:"invite"`
	Session   contracts.HumanSession    `json:"session"`
	Queue     []QueueItem               `json:"queue"`
	Remaining int                       `json:"remaining"`
}

// AccessInvite resolves a token to its working view. The first access
// stamps first_accessed_at, user agent and IP and moves the invite to
// IN_PROGRESS; later accesses resume where the evaluator left off. An
// invite past its expiry is marked EXPIRED on touch.
func (s *Service) AccessInvite(ctx context.Context, token, userAgent, ip string) (*InviteView, error) {
	if token == "" {
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "token is required")
	}
	var view *InviteView
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		invite, err := s.inviteByTokenTx(ctx, tx, token)
		if err != nil {
			return err
		}
		if err := s.expireIfDue(ctx, tx, invite); err != nil {
			return err
		}

		if invite.FirstAccessedAt == nil {
			now := s.clock()
			if _, err := tx.ExecContext(ctx, `
				UPDATE evaluator_invites
				SET status = $1, first_accessed_at = $2, first_user_agent = $3, first_ip = $4
				WHERE invite_id = $5`,
				string(contracts.InviteInProgress), fmtTime(now),
				nullIfEmpty(userAgent), nullIfEmpty(ip), invite.InviteID); err != nil {
				return &contracts.Retryable{Err: fmt.Errorf("governance: stamp invite: %w", err)}
			}
			invite.Status = contracts.InviteInProgress
			invite.FirstAccessedAt = &now
			invite.FirstUserAgent = userAgent
			invite.FirstIP = ip

			if err := s.log.Append(ctx, tx, &audit.Entry{
				ActorID:    invite.EvaluatorEmail,
				ActorRole:  contracts.RoleUser,
				Action:     "calibration.invite_opened",
				TargetType: "evaluator_invite",
				TargetID:   invite.InviteID,
				Success:    true,
				Metadata:   map[string]any{"session_id": invite.SessionID},
			}); err != nil {
				return err
			}
		}

		view, err = s.inviteViewTx(ctx, tx, invite)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// SubmitScoreParams is one evaluator verdict on one scenario.
type SubmitScoreParams struct {
	Token       string
	ScenarioID  string
	Scores      contracts.DimensionScores
	WouldPursue contracts.WouldPursue
	Confidence  float64
}

// SubmitScore records one scenario verdict. The scenario must sit in the
// invite's queue, every dimension must land in [1,5], and a scenario can
// be scored once per invite.
func (s *Service) SubmitScore(ctx context.Context, p SubmitScoreParams) (*contracts.HumanScore, error) {
	switch {
	case p.Token == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "token is required")
	case p.ScenarioID == "":
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed, "scenario_id is required")
	case !p.Scores.InRange():
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed,
			"every dimension score must lie in [1,5]")
	case p.Confidence < 1 || p.Confidence > 5:
		return nil, contracts.NewKernelError(contracts.CodeValidationFailed,
			"confidence must lie in [1,5]")
	}
	switch p.WouldPursue {
	case contracts.PursueYes, contracts.PursueNo, contracts.PursueMaybe:
	default:
		return nil, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"unknown would_pursue verdict %q", p.WouldPursue)
	}

	score := &contracts.HumanScore{
		ScoreID:     s.newID(),
		ScenarioID:  p.ScenarioID,
		Scores:      p.Scores,
		WeightedCRS: p.Scores.WeightedCRS(),
		WouldPursue: p.WouldPursue,
		Confidence:  p.Confidence,
		SubmittedAt: s.clock(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		invite, err := s.inviteByTokenTx(ctx, tx, p.Token)
		if err != nil {
			return err
		}
		if err := s.expireIfDue(ctx, tx, invite); err != nil {
			return err
		}
		switch invite.Status {
		case contracts.InviteInProgress:
		case contracts.InvitePending:
			return invalidStatus(string(invite.Status),
				"open the invite before submitting scores", "access-invite")
		default:
			return invalidStatus(string(invite.Status),
				"this invite no longer accepts scores", "access-invite")
		}
		score.InviteID = invite.InviteID
		score.SessionID = invite.SessionID

		var inQueue int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM evaluator_scenario_queue
			WHERE invite_id = $1 AND scenario_id = $2`,
			invite.InviteID, p.ScenarioID).Scan(&inQueue); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: queue lookup: %w", err)}
		}
		if inQueue == 0 {
			return contracts.NewKernelErrorf(contracts.CodeNotFound,
				"scenario %s is not in this evaluator's queue", p.ScenarioID)
		}

		scoresJSON, err := json.Marshal(score.Scores)
		if err != nil {
			return fmt.Errorf("governance: marshal scores: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO human_scores (score_id, invite_id, session_id, scenario_id,
				scores, weighted_crs, would_pursue, confidence, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			score.ScoreID, score.InviteID, score.SessionID, score.ScenarioID,
			string(scoresJSON), score.WeightedCRS, string(score.WouldPursue),
			score.Confidence, fmtTime(score.SubmittedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return contracts.NewKernelErrorf(contracts.CodeValidationFailed,
					"scenario %s was already scored on this invite", p.ScenarioID)
			}
			return &contracts.Retryable{Err: fmt.Errorf("governance: insert score: %w", err)}
		}
		return s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    invite.EvaluatorEmail,
			ActorRole:  contracts.RoleUser,
			Action:     "calibration.submit_score",
			TargetType: "human_score",
			TargetID:   score.ScoreID,
			Success:    true,
			Metadata: map[string]any{
				"session_id":  invite.SessionID,
				"scenario_id": p.ScenarioID,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return score, nil
}

// CompleteInvite closes an invite once its whole queue is scored. When it
// was the session's last open invite the session finalizes in the same
// transaction: Spearman rho between machine and mean human CRS decides
// promotion, ICC(1,1) lands alongside as the agreement diagnostic. The
// returned session is non-nil only when this call finalized it.
func (s *Service) CompleteInvite(ctx context.Context, token string) (*contracts.EvaluatorInvite, *contracts.HumanSession, error) {
	if token == "" {
		return nil, nil, contracts.NewKernelError(contracts.CodeValidationFailed, "token is required")
	}
	var (
		invite  *contracts.EvaluatorInvite
		session *contracts.HumanSession
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		invite, err = s.inviteByTokenTx(ctx, tx, token)
		if err != nil {
			return err
		}
		if err := s.expireIfDue(ctx, tx, invite); err != nil {
			return err
		}
		if invite.Status != contracts.InviteInProgress {
			return invalidStatus(string(invite.Status),
				"only an IN_PROGRESS invite can be completed", "access-invite")
		}

		var queued, scored int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM evaluator_scenario_queue WHERE invite_id = $1`,
			invite.InviteID).Scan(&queued); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: count queue: %w", err)}
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM human_scores WHERE invite_id = $1`,
			invite.InviteID).Scan(&scored); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: count scores: %w", err)}
		}
		if scored < queued {
			return contracts.NewKernelError(contracts.CodeValidationFailed,
				"every queued scenario must be scored before completing").
				WithDetail("remaining", queued-scored)
		}

		now := s.clock()
		if _, err := tx.ExecContext(ctx, `
			UPDATE evaluator_invites SET status = $1, completed_at = $2 WHERE invite_id = $3`,
			string(contracts.InviteCompleted), fmtTime(now), invite.InviteID); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: complete invite: %w", err)}
		}
		invite.Status = contracts.InviteCompleted
		invite.CompletedAt = &now

		if err := s.log.Append(ctx, tx, &audit.Entry{
			ActorID:    invite.EvaluatorEmail,
			ActorRole:  contracts.RoleUser,
			Action:     "calibration.invite_completed",
			TargetType: "evaluator_invite",
			TargetID:   invite.InviteID,
			Success:    true,
			Metadata:   map[string]any{"session_id": invite.SessionID},
		}); err != nil {
			return err
		}

		var open int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM evaluator_invites
			WHERE session_id = $1 AND status != $2`,
			invite.SessionID, string(contracts.InviteCompleted)).Scan(&open); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: open invites: %w", err)}
		}
		if open > 0 {
			return nil
		}
		session, err = s.finalizeSession(ctx, tx, invite.SessionID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return invite, session, nil
}

// finalizeSession correlates human judgment against the pinned machine
// run and settles the session. Rho at or above the floor promotes the
// suite; below it the session ends LOW_CORRELATION and the suite stays
// SYSTEM_VALIDATED so a fresh session can try again.
func (s *Service) finalizeSession(ctx context.Context, tx *sql.Tx, sessionID string) (*contracts.HumanSession, error) {
	session, err := s.sessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != contracts.SessionInProgress {
		return nil, invalidStatus(string(session.Status),
			"only an IN_PROGRESS session can finalize", "start-human-calibration")
	}

	machine, scenarioOrder, err := s.machineCRSTx(ctx, tx, session.RunID)
	if err != nil {
		return nil, err
	}
	perScenario, matrix, err := s.humanCRSTx(ctx, tx, sessionID, scenarioOrder)
	if err != nil {
		return nil, err
	}

	var machineSeries, humanSeries []float64
	for _, scenarioID := range scenarioOrder {
		human, ok := perScenario[scenarioID]
		if !ok {
			continue
		}
		machineSeries = append(machineSeries, machine[scenarioID])
		humanSeries = append(humanSeries, human)
	}

	rho := SpearmanRho(machineSeries, humanSeries)
	icc := ICC1(matrix)
	passed := rho >= contracts.SpearmanThreshold

	now := s.clock()
	session.SpearmanRho = &rho
	session.ICC = &icc
	session.CompletedAt = &now
	session.Status = contracts.SessionLowCorrelation
	if passed {
		session.Status = contracts.SessionCompleted
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE human_sessions
		SET status = $1, spearman_rho = $2, icc = $3, completed_at = $4
		WHERE session_id = $5`,
		string(session.Status), rho, icc, fmtTime(now), sessionID); err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: finalize session: %w", err)}
	}

	reason := ""
	if !passed {
		reason = contracts.CodeCorrelationTooLow
	}
	if err := s.log.Append(ctx, tx, &audit.Entry{
		ActorID:    contracts.SystemActor.ID,
		ActorRole:  contracts.SystemActor.Role,
		Action:     "session.finalize",
		TargetType: "human_session",
		TargetID:   sessionID,
		Success:    passed,
		Reason:     reason,
		Metadata:   map[string]any{"spearman_rho": rho, "icc": icc},
	}); err != nil {
		return nil, err
	}
	if err := s.events.Record(ctx, tx, &events.Event{
		EventType: "session.finalized",
		SuiteID:   session.SuiteID,
		ActorID:   contracts.SystemActor.ID,
		Payload: map[string]any{
			"session_id":   sessionID,
			"status":       string(session.Status),
			"spearman_rho": rho,
			"icc":          icc,
		},
	}); err != nil {
		return nil, err
	}

	if !passed {
		s.logger.Warn("calibration correlation below floor",
			"session_id", sessionID, "spearman_rho", rho)
		return session, nil
	}
	suite, err := s.getSuiteTx(ctx, tx, session.SuiteID)
	if err != nil {
		return nil, err
	}
	if suite.Status != contracts.SuiteSystemValidated {
		return session, nil
	}
	if err := s.transition(ctx, tx, contracts.SystemActor, suite, contracts.SuiteHumanValidated,
		fmt.Sprintf("calibration session %s passed with rho %.3f", sessionID, rho)); err != nil {
		return nil, err
	}
	return session, nil
}

// Session loads one calibration session by id.
func (s *Service) Session(ctx context.Context, sessionID string) (*contracts.HumanSession, error) {
	return s.sessionTx(ctx, nil, sessionID)
}

// SessionInvites returns a session's invites in evaluator order. Tokens
// stay included: the caller owning the session distributes them.
func (s *Service) SessionInvites(ctx context.Context, sessionID string) ([]contracts.EvaluatorInvite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+inviteColumns+` FROM evaluator_invites
		 WHERE session_id = $1 ORDER BY evaluator_index ASC`, sessionID)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: session invites: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.EvaluatorInvite
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("governance: scan invite: %w", err)}
		}
		out = append(out, *invite)
	}
	return out, rows.Err()
}

// SweepExpiredInvites expires overdue invites and the sessions left
// unfinishable by them. Returns how many invites were expired.
func (s *Service) SweepExpiredInvites(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.clock()
	swept := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT invite_id, session_id FROM evaluator_invites
			WHERE status IN ($1, $2) AND expires_at < $3`,
			string(contracts.InvitePending), string(contracts.InviteInProgress),
			fmtTime(now))
		if err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: find overdue invites: %w", err)}
		}
		type overdue struct{ inviteID, sessionID string }
		var found []overdue
		for rows.Next() {
			var o overdue
			if err := rows.Scan(&o.inviteID, &o.sessionID); err != nil {
				_ = rows.Close()
				return &contracts.Retryable{Err: fmt.Errorf("governance: scan overdue invite: %w", err)}
			}
			found = append(found, o)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return &contracts.Retryable{Err: fmt.Errorf("governance: iterate overdue invites: %w", err)}
		}

		sessions := make(map[string]bool)
		for _, o := range found {
			if _, err := tx.ExecContext(ctx,
				`UPDATE evaluator_invites SET status = $1 WHERE invite_id = $2`,
				string(contracts.InviteExpired), o.inviteID); err != nil {
				return &contracts.Retryable{Err: fmt.Errorf("governance: expire invite: %w", err)}
			}
			if err := s.log.Append(ctx, tx, &audit.Entry{
				ActorID:    contracts.SystemActor.ID,
				ActorRole:  contracts.SystemActor.Role,
				Action:     "calibration.invite_expired",
				TargetType: "evaluator_invite",
				TargetID:   o.inviteID,
				Success:    true,
				Metadata:   map[string]any{"session_id": o.sessionID},
			}); err != nil {
				return err
			}
			sessions[o.sessionID] = true
			swept++
		}

		// An expired invite can never complete, so its IN_PROGRESS
		// session can never finalize.
		for sessionID := range sessions {
			if _, err := tx.ExecContext(ctx, `
				UPDATE human_sessions SET status = $1, completed_at = $2
				WHERE session_id = $3 AND status = $4`,
				string(contracts.SessionExpired), fmtTime(now), sessionID,
				string(contracts.SessionInProgress)); err != nil {
				return &contracts.Retryable{Err: fmt.Errorf("governance: expire session: %w", err)}
			}
			if err := s.log.Append(ctx, tx, &audit.Entry{
				ActorID:    contracts.SystemActor.ID,
				ActorRole:  contracts.SystemActor.Role,
				Action:     "session.expired",
				TargetType: "human_session",
				TargetID:   sessionID,
				Success:    true,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		s.logger.Info("expired invites swept", "count", swept)
	}
	return swept, nil
}

// machineCRSTx maps the pinned run's per-scenario machine CRS, with the
// scenario ids in sequence order for deterministic pairing.
func (s *Service) machineCRSTx(ctx context.Context, tx *sql.Tx, runID string) (map[string]float64, []string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT scenario_id, weighted_crs FROM run_results
		WHERE run_id = $1 ORDER BY sequence_order ASC`, runID)
	if err != nil {
		return nil, nil, &contracts.Retryable{Err: fmt.Errorf("governance: machine crs: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	crs := make(map[string]float64)
	var order []string
	for rows.Next() {
		var (
			scenarioID string
			v          float64
		)
		if err := rows.Scan(&scenarioID, &v); err != nil {
			return nil, nil, &contracts.Retryable{Err: fmt.Errorf("governance: scan machine crs: %w", err)}
		}
		crs[scenarioID] = v
		order = append(order, scenarioID)
	}
	return crs, order, rows.Err()
}

// humanCRSTx returns the mean human CRS per scenario plus the full
// scenario-by-evaluator matrix for the agreement diagnostic. Matrix rows
// follow scenarioOrder; columns follow evaluator index.
func (s *Service) humanCRSTx(ctx context.Context, tx *sql.Tx, sessionID string, scenarioOrder []string) (map[string]float64, [][]float64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT h.scenario_id, i.evaluator_index, h.weighted_crs
		FROM human_scores h
		JOIN evaluator_invites i ON i.invite_id = h.invite_id
		WHERE h.session_id = $1`, sessionID)
	if err != nil {
		return nil, nil, &contracts.Retryable{Err: fmt.Errorf("governance: human crs: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	byScenario := make(map[string]map[int]float64)
	maxEvaluator := -1
	for rows.Next() {
		var (
			scenarioID     string
			evaluatorIndex int
			v              float64
		)
		if err := rows.Scan(&scenarioID, &evaluatorIndex, &v); err != nil {
			return nil, nil, &contracts.Retryable{Err: fmt.Errorf("governance: scan human crs: %w", err)}
		}
		if byScenario[scenarioID] == nil {
			byScenario[scenarioID] = make(map[int]float64)
		}
		byScenario[scenarioID][evaluatorIndex] = v
		if evaluatorIndex > maxEvaluator {
			maxEvaluator = evaluatorIndex
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, &contracts.Retryable{Err: fmt.Errorf("governance: iterate human crs: %w", err)}
	}

	means := make(map[string]float64, len(byScenario))
	var matrix [][]float64
	for _, scenarioID := range scenarioOrder {
		scores := byScenario[scenarioID]
		if len(scores) == 0 {
			continue
		}
		sum := 0.0
		row := make([]float64, 0, maxEvaluator+1)
		for e := 0; e <= maxEvaluator; e++ {
			v, ok := scores[e]
			if !ok {
				continue
			}
			sum += v
			row = append(row, v)
		}
		means[scenarioID] = sum / float64(len(scores))
		matrix = append(matrix, row)
	}
	return means, matrix, nil
}

// expireIfDue flips an overdue invite to EXPIRED inside tx and reports
// the expiry as the caller's error.
func (s *Service) expireIfDue(ctx context.Context, tx *sql.Tx, invite *contracts.EvaluatorInvite) error {
	if invite.Status == contracts.InviteExpired {
		return contracts.NewKernelError(contracts.CodeInviteExpired, "this invite has expired")
	}
	if invite.Status == contracts.InviteCompleted || s.clock().Before(invite.ExpiresAt) {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE evaluator_invites SET status = $1 WHERE invite_id = $2`,
		string(contracts.InviteExpired), invite.InviteID); err != nil {
		return &contracts.Retryable{Err: fmt.Errorf("governance: expire invite: %w", err)}
	}
	invite.Status = contracts.InviteExpired
	return contracts.NewKernelError(contracts.CodeInviteExpired, "this invite has expired")
}

// inviteViewTx assembles the queue with progress flags for one invite.
func (s *Service) inviteViewTx(ctx context.Context, tx *sql.Tx, invite *contracts.EvaluatorInvite) (*InviteView, error) {
	session, err := s.sessionTx(ctx, tx, invite.SessionID)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT q.position, sc.scenario_id, sc.suite_id, sc.kind, sc.sequence_order,
			sc.title, sc.payload, sc.scenario_hash, sc.created_at,
			EXISTS (SELECT 1 FROM human_scores h
				WHERE h.invite_id = q.invite_id AND h.scenario_id = q.scenario_id)
		FROM evaluator_scenario_queue q
		JOIN suite_scenarios sc ON sc.scenario_id = q.scenario_id
		WHERE q.invite_id = $1
		ORDER BY q.position ASC`, invite.InviteID)
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: load queue: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	view := &InviteView{Invite: *invite, Session: *session}
	for rows.Next() {
		var (
			item      QueueItem
			createdAt string
			scored    int
		)
		if err := rows.Scan(&item.Position, &item.Scenario.ScenarioID,
			&item.Scenario.SuiteID, &item.Scenario.Kind, &item.Scenario.SequenceOrder,
			&item.Scenario.Title, &item.Scenario.Payload, &item.Scenario.ScenarioHash,
			&createdAt, &scored); err != nil {
			return nil, &contracts.Retryable{Err: fmt.Errorf("governance: scan queue row: %w", err)}
		}
		item.Scenario.CreatedAt = parseTime(createdAt)
		item.Scored = scored != 0
		if !item.Scored {
			view.Remaining++
		}
		view.Queue = append(view.Queue, item)
	}
	return view, rows.Err()
}

const inviteColumns = `invite_id, session_id, evaluator_email, evaluator_index,
	token, status, expires_at, first_accessed_at, first_user_agent, first_ip,
	completed_at, created_at`

func scanInvite(row rowScanner) (*contracts.EvaluatorInvite, error) {
	var (
		invite                  contracts.EvaluatorInvite
		expiresAt, createdAt    string
		firstAccessedAt         sql.NullString
		firstUserAgent, firstIP sql.NullString
		completedAt             sql.NullString
	)
	err := row.Scan(&invite.InviteID, &invite.SessionID, &invite.EvaluatorEmail,
		&invite.EvaluatorIndex, &invite.Token, &invite.Status, &expiresAt,
		&firstAccessedAt, &firstUserAgent, &firstIP, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	invite.ExpiresAt = parseTime(expiresAt)
	invite.FirstAccessedAt = parseTimePtr(firstAccessedAt)
	invite.FirstUserAgent = firstUserAgent.String
	invite.FirstIP = firstIP.String
	invite.CompletedAt = parseTimePtr(completedAt)
	invite.CreatedAt = parseTime(createdAt)
	return &invite, nil
}

// inviteByTokenTx resolves a token to its invite. Unknown tokens read as
// NOT_FOUND; the message never echoes the token back.
func (s *Service) inviteByTokenTx(ctx context.Context, tx *sql.Tx, token string) (*contracts.EvaluatorInvite, error) {
	var q queryRower = s.db
	if tx != nil {
		q = tx
	}
	invite, err := scanInvite(q.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM evaluator_invites WHERE token = $1`, token))
	if err == sql.ErrNoRows {
		return nil, contracts.NewKernelError(contracts.CodeNotFound, "no invite for this token")
	}
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: read invite: %w", err)}
	}
	return invite, nil
}

func (s *Service) sessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (*contracts.HumanSession, error) {
	var q queryRower = s.db
	if tx != nil {
		q = tx
	}
	var (
		session             contracts.HumanSession
		deadline, createdAt string
		rho, icc            sql.NullFloat64
		completedAt         sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT session_id, suite_id, run_id, status, evaluator_count, deadline,
			spearman_rho, icc, created_at, created_by, completed_at
		FROM human_sessions WHERE session_id = $1`, sessionID).
		Scan(&session.SessionID, &session.SuiteID, &session.RunID, &session.Status,
			&session.EvaluatorCount, &deadline, &rho, &icc, &createdAt,
			&session.CreatedBy, &completedAt)
	if err == sql.ErrNoRows {
		return nil, contracts.NewKernelErrorf(contracts.CodeNotFound, "no session %s", sessionID)
	}
	if err != nil {
		return nil, &contracts.Retryable{Err: fmt.Errorf("governance: read session: %w", err)}
	}
	session.Deadline = parseTime(deadline)
	session.CreatedAt = parseTime(createdAt)
	session.CompletedAt = parseTimePtr(completedAt)
	if rho.Valid {
		session.SpearmanRho = &rho.Float64
	}
	if icc.Valid {
		session.ICC = &icc.Float64
	}
	return &session, nil
}
