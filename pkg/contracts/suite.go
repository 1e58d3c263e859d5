package contracts

import "time"

// SuiteStatus is the governance lifecycle of a scenario suite. Freezing is
// orthogonal: a frozen suite stays DRAFT until system validation passes.
type SuiteStatus string

const (
	SuiteDraft           SuiteStatus = "DRAFT"
	SuiteSystemValidated SuiteStatus = "SYSTEM_VALIDATED"
	SuiteHumanValidated  SuiteStatus = "HUMAN_VALIDATED"
	SuiteGAApproved      SuiteStatus = "GA_APPROVED"
	SuiteDeprecated      SuiteStatus = "DEPRECATED"
)

// Promotion gates. A validation run must clear both rates to promote a
// suite, and a calibration session must clear the correlation floor.
const (
	GoldenPassThreshold      = 0.90
	KillContainmentThreshold = 0.95
	SpearmanThreshold        = 0.60
	MinEvaluators            = 2
)

// Suite is a versioned set of scored scenarios gating promotion of a
// reasoning configuration. ScenarioManifestHash is computed at freeze time
// over the ordered (scenario_id, scenario_hash) pairs.
type Suite struct {
	SuiteID      string      `json:"suite_id"`
	SuiteKey     string      `json:"suite_key"`
	BaseSuiteKey string      `json:"base_suite_key"`
	Version      int         `json:"version"`
	Name         string      `json:"name"`
	Status       SuiteStatus `json:"status"`

	IsFrozen             bool   `json:"is_frozen"`
	ScenarioManifestHash string `json:"scenario_manifest_hash,omitempty"`
	ScenarioCount        int    `json:"scenario_count"`

	CreatedAt    time.Time  `json:"created_at"`
	CreatedBy    string     `json:"created_by"`
	FrozenAt     *time.Time `json:"frozen_at,omitempty"`
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`
	DeprecatedReason string `json:"deprecated_reason,omitempty"`
}

// ScenarioKind splits a suite into golden scenarios (the reasoner must
// pass) and kill scenarios (the reasoner must block).
type ScenarioKind string

const (
	ScenarioGolden ScenarioKind = "GOLDEN"
	ScenarioKill   ScenarioKind = "KILL"
)

// SuiteScenario is one scored scenario. SequenceOrder fixes the
// deterministic execution order inside a run; ScenarioHash pins the
// payload so the manifest hash can detect silent edits.
type SuiteScenario struct {
	ScenarioID    string       `json:"scenario_id"`
	SuiteID       string       `json:"suite_id"`
	Kind          ScenarioKind `json:"kind"`
	SequenceOrder int          `json:"sequence_order"`
	Title         string       `json:"title"`
	Payload       string       `json:"payload"`
	ScenarioHash  string       `json:"scenario_hash"`
	CreatedAt     time.Time    `json:"created_at"`
}

// RunStatus is the validation-run lifecycle.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Run is one ordered scoring pass over a frozen suite. Everything needed
// to reproduce it is pinned at creation.
type Run struct {
	RunID     string    `json:"run_id"`
	SuiteID   string    `json:"suite_id"`
	RunNumber int       `json:"run_number"`
	Status    RunStatus `json:"status"`

	ScenarioManifestHash string `json:"scenario_manifest_hash"`
	SIVAVersion          string `json:"siva_version"`
	CodeCommitSHA        string `json:"code_commit_sha"`
	Environment          string `json:"environment"`
	PersonaID            string `json:"persona_id"`
	Seed                 int64  `json:"seed"`

	GoldenTotal        int     `json:"golden_total"`
	GoldenPassed       int     `json:"golden_passed"`
	KillTotal          int     `json:"kill_total"`
	KillContained      int     `json:"kill_contained"`
	GoldenPassRate     float64 `json:"golden_pass_rate"`
	KillContainment    float64 `json:"kill_containment_rate"`
	CohensD            float64 `json:"cohens_d"`
	ThresholdsMet      bool    `json:"thresholds_met"`

	FailureReason string     `json:"failure_reason,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	StartedBy     string     `json:"started_by"`
}

// ScenarioOutcome is what the reasoner did with one scenario.
type ScenarioOutcome string

const (
	OutcomePass  ScenarioOutcome = "PASS"
	OutcomeBlock ScenarioOutcome = "BLOCK"
	OutcomeFail  ScenarioOutcome = "FAIL"
)

// DimensionScores are the eight calibrated rating dimensions, each in
// [1,5]. Field order matches the fixed CRS weight table.
type DimensionScores struct {
	Qualification        float64 `json:"qualification"`
	NeedsDiscovery       float64 `json:"needs_discovery"`
	ValueArticulation    float64 `json:"value_articulation"`
	ObjectionHandling    float64 `json:"objection_handling"`
	ProcessAdherence     float64 `json:"process_adherence"`
	Compliance           float64 `json:"compliance"`
	RelationshipBuilding float64 `json:"relationship_building"`
	NextStepSecured      float64 `json:"next_step_secured"`
}

// CRS dimension weights. Fixed, sum to 1.
const (
	WeightQualification        = 0.15
	WeightNeedsDiscovery       = 0.15
	WeightValueArticulation    = 0.15
	WeightObjectionHandling    = 0.15
	WeightProcessAdherence     = 0.10
	WeightCompliance           = 0.10
	WeightRelationshipBuilding = 0.10
	WeightNextStepSecured      = 0.10
)

// WeightedCRS folds the eight dimensions into one score in (0,1] using
// the fixed weight table: sum of (score/5)*weight per dimension.
func (d DimensionScores) WeightedCRS() float64 {
	return d.Qualification/5*WeightQualification +
		d.NeedsDiscovery/5*WeightNeedsDiscovery +
		d.ValueArticulation/5*WeightValueArticulation +
		d.ObjectionHandling/5*WeightObjectionHandling +
		d.ProcessAdherence/5*WeightProcessAdherence +
		d.Compliance/5*WeightCompliance +
		d.RelationshipBuilding/5*WeightRelationshipBuilding +
		d.NextStepSecured/5*WeightNextStepSecured
}

// InRange reports whether every dimension lies in [1,5].
func (d DimensionScores) InRange() bool {
	for _, v := range [8]float64{
		d.Qualification, d.NeedsDiscovery, d.ValueArticulation,
		d.ObjectionHandling, d.ProcessAdherence, d.Compliance,
		d.RelationshipBuilding, d.NextStepSecured,
	} {
		if v < 1 || v > 5 {
			return false
		}
	}
	return true
}

// RunResult is the per-scenario row of a validation run. Rows commit in
// SequenceOrder within the run's transaction.
type RunResult struct {
	ResultID      string          `json:"result_id"`
	RunID         string          `json:"run_id"`
	ScenarioID    string          `json:"scenario_id"`
	SequenceOrder int             `json:"sequence_order"`
	Kind          ScenarioKind    `json:"kind"`
	Outcome       ScenarioOutcome `json:"outcome"`
	Scores        DimensionScores `json:"scores"`
	WeightedCRS   float64         `json:"weighted_crs"`
	LatencyMS     int             `json:"latency_ms"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// SessionStatus is the human-calibration lifecycle. LOW_CORRELATION is
// terminal for the session; the suite stays SYSTEM_VALIDATED so a fresh
// session can be started.
type SessionStatus string

const (
	SessionInProgress     SessionStatus = "IN_PROGRESS"
	SessionCompleted      SessionStatus = "COMPLETED"
	SessionLowCorrelation SessionStatus = "LOW_CORRELATION"
	SessionExpired        SessionStatus = "EXPIRED"
)

// HumanSession is one calibration round: a set of evaluator invites whose
// completed scores are correlated against the machine run.
type HumanSession struct {
	SessionID string        `json:"session_id"`
	SuiteID   string        `json:"suite_id"`
	RunID     string        `json:"run_id"`
	Status    SessionStatus `json:"status"`

	EvaluatorCount int       `json:"evaluator_count"`
	Deadline       time.Time `json:"deadline"`

	SpearmanRho *float64 `json:"spearman_rho,omitempty"`
	ICC         *float64 `json:"icc,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// InviteStatus is the evaluator-invite lifecycle.
type InviteStatus string

const (
	InvitePending    InviteStatus = "PENDING"
	InviteInProgress InviteStatus = "IN_PROGRESS"
	InviteCompleted  InviteStatus = "COMPLETED"
	InviteExpired    InviteStatus = "EXPIRED"
)

// EvaluatorInvite is one evaluator's single-holder access to a calibration
// session. EvaluatorIndex seeds the deterministic scenario shuffle; Token
// is 48 random bytes rendered URL-safe.
type EvaluatorInvite struct {
	InviteID       string       `json:"invite_id"`
	SessionID      string       `json:"session_id"`
	EvaluatorEmail string       `json:"evaluator_email"`
	EvaluatorIndex int          `json:"evaluator_index"`
	Token          string       `json:"token"`
	Status         InviteStatus `json:"status"`
	ExpiresAt      time.Time    `json:"expires_at"`

	FirstAccessedAt *time.Time `json:"first_accessed_at,omitempty"`
	FirstUserAgent  string     `json:"first_user_agent,omitempty"`
	FirstIP         string     `json:"first_ip,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// WouldPursue is the evaluator's overall verdict on a scenario.
type WouldPursue string

const (
	PursueYes   WouldPursue = "YES"
	PursueNo    WouldPursue = "NO"
	PursueMaybe WouldPursue = "MAYBE"
)

// HumanScore is one evaluator's submission for one scenario.
type HumanScore struct {
	ScoreID     string          `json:"score_id"`
	InviteID    string          `json:"invite_id"`
	SessionID   string          `json:"session_id"`
	ScenarioID  string          `json:"scenario_id"`
	Scores      DimensionScores `json:"scores"`
	WeightedCRS float64         `json:"weighted_crs"`
	WouldPursue WouldPursue     `json:"would_pursue"`
	Confidence  float64         `json:"confidence"`
	SubmittedAt time.Time       `json:"submitted_at"`
}
