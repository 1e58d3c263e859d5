package httpapi

import (
	"net/http"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/governance"
	"github.com/uaesivakumar/upr-authority/pkg/observability"
)

type createSuiteRequest struct {
	SuiteKey     string `json:"suite_key"`
	BaseSuiteKey string `json:"base_suite_key,omitempty"`
	Name         string `json:"name"`
}

func (s *Server) handleCreateSuite(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req createSuiteRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	suite, err := s.suites.CreateSuite(r.Context(), ident.Actor(), governance.CreateSuiteParams{
		SuiteKey:     req.SuiteKey,
		BaseSuiteKey: req.BaseSuiteKey,
		Name:         req.Name,
		CreatedBy:    ident.UserID,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, suite)
}

func (s *Server) handleListSuites(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	suites, err := s.suites.ListSuites(r.Context(), governance.SuiteFilter{
		Status:       contracts.SuiteStatus(r.URL.Query().Get("status")),
		BaseSuiteKey: r.URL.Query().Get("base_suite_key"),
		Limit:        queryInt(r, "limit"),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"suites": suites})
}

func (s *Server) handleGetSuite(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	suite, err := s.suites.GetSuite(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, suite)
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	scenarios, err := s.suites.Scenarios(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"scenarios": scenarios})
}

type addScenarioRequest struct {
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

func (s *Server) handleAddScenario(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req addScenarioRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	scenario, err := s.suites.AddScenario(r.Context(), ident.Actor(), governance.AddScenarioParams{
		SuiteID: r.PathValue("id"),
		Kind:    contracts.ScenarioKind(req.Kind),
		Title:   req.Title,
		Payload: req.Payload,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, scenario)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	runs, err := s.suites.ListRuns(r.Context(), r.PathValue("id"), queryInt(r, "limit"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleSuiteHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	transitions, err := s.suites.StatusHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"transitions": transitions})
}

type runCommandRequest struct {
	SIVAVersion   string `json:"siva_version"`
	CodeCommitSHA string `json:"code_commit_sha"`
	Environment   string `json:"environment"`
	PersonaID     string `json:"persona_id"`
	Seed          int64  `json:"seed"`
}

type calibrationCommandRequest struct {
	EvaluatorEmails []string  `json:"evaluator_emails"`
	Deadline        time.Time `json:"deadline"`
}

type deprecateCommandRequest struct {
	Reason string `json:"reason,omitempty"`
}

type calibrationResponse struct {
	Session *contracts.HumanSession     `json:"session"`
	Invites []contracts.EvaluatorInvite `json:"invites"`
}

// handleSuiteCommand dispatches the lifecycle commands. Each command is
// a verb on the suite; the suite id comes from the path, never the body.
func (s *Server) handleSuiteCommand(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	suiteID := r.PathValue("id")
	actor := ident.Actor()

	var (
		result any
		status = http.StatusOK
		err    error
	)

	command := r.PathValue("command")
	switch command {
	case "freeze":
		result, err = s.suites.Freeze(r.Context(), actor, suiteID)

	case "run-system-validation":
		var req runCommandRequest
		if err := decode(w, r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		status = http.StatusCreated
		result, err = s.suites.RunSystemValidation(r.Context(), actor, governance.RunParams{
			SuiteID:       suiteID,
			SIVAVersion:   req.SIVAVersion,
			CodeCommitSHA: req.CodeCommitSHA,
			Environment:   req.Environment,
			PersonaID:     req.PersonaID,
			Seed:          req.Seed,
			StartedBy:     ident.UserID,
		})

	case "start-human-calibration":
		var req calibrationCommandRequest
		if err := decode(w, r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		var session *contracts.HumanSession
		var invites []contracts.EvaluatorInvite
		session, invites, err = s.suites.StartHumanCalibration(r.Context(), actor, governance.CalibrationParams{
			SuiteID:         suiteID,
			EvaluatorEmails: req.EvaluatorEmails,
			Deadline:        req.Deadline,
			CreatedBy:       ident.UserID,
		})
		status = http.StatusCreated
		result = calibrationResponse{Session: session, Invites: invites}

	case "approve-for-ga":
		result, err = s.suites.ApproveForGA(r.Context(), actor, suiteID)

	case "deprecate":
		var req deprecateCommandRequest
		if derr := decodeOptional(w, r, &req); derr != nil {
			writeErr(w, r, derr)
			return
		}
		result, err = s.suites.Deprecate(r.Context(), actor, suiteID, req.Reason)

	case "create-version":
		status = http.StatusCreated
		result, err = s.suites.CreateVersion(r.Context(), actor, suiteID, ident.UserID)

	default:
		writeErr(w, r, contracts.NewKernelErrorf(contracts.CodeValidationFailed,
			"unknown suite command %q", command))
		return
	}

	if err != nil {
		writeErr(w, r, err)
		return
	}

	if suite, isSuite := result.(*contracts.Suite); isSuite {
		observability.AddSpanEvent(r.Context(), "suite.transition",
			observability.SuiteAttrs(suite.SuiteID, string(suite.Status))...)
	}
	writeData(w, r, status, result)
}

// decodeOptional decodes a body when one was sent; an empty body leaves
// dst zeroed.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decode(w, r, dst)
}

func (s *Server) handleInviteAccess(w http.ResponseWriter, r *http.Request) {
	view, err := s.suites.AccessInvite(r.Context(), r.PathValue("token"), r.UserAgent(), clientIP(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, view)
}

type submitScoreRequest struct {
	ScenarioID  string                    `json:"scenario_id"`
	Scores      contracts.DimensionScores `json:"scores"`
	WouldPursue string                    `json:"would_pursue"`
	Confidence  float64                   `json:"confidence"`
}

func (s *Server) handleInviteScore(w http.ResponseWriter, r *http.Request) {
	var req submitScoreRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	score, err := s.suites.SubmitScore(r.Context(), governance.SubmitScoreParams{
		Token:       r.PathValue("token"),
		ScenarioID:  req.ScenarioID,
		Scores:      req.Scores,
		WouldPursue: contracts.WouldPursue(req.WouldPursue),
		Confidence:  req.Confidence,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, score)
}

type completeInviteResponse struct {
	Invite  *contracts.EvaluatorInvite `json:"invite"`
	Session *contracts.HumanSession    `json:"session"`
}

func (s *Server) handleInviteComplete(w http.ResponseWriter, r *http.Request) {
	invite, session, err := s.suites.CompleteInvite(r.Context(), r.PathValue("token"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, completeInviteResponse{Invite: invite, Session: session})
}
