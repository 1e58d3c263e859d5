package contracts

import "time"

// GateAction is what a policy gate did when it fired.
type GateAction string

const (
	GatePass  GateAction = "PASS"
	GateBlock GateAction = "BLOCK"
)

// PolicyGateHit records one policy gate evaluation during a reasoning call.
type PolicyGateHit struct {
	Gate      string     `json:"gate"`
	Triggered bool       `json:"triggered"`
	Reason    string     `json:"reason,omitempty"`
	Action    GateAction `json:"action"`
}

// EvidenceRef points at one piece of external evidence the reasoner used,
// pinned by content hash so replays can detect stale fetches.
type EvidenceRef struct {
	Source      string    `json:"source"`
	ContentHash string    `json:"content_hash"`
	TTLSeconds  int       `json:"ttl_seconds,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// EscalationRiskThreshold is the risk score above which an interaction is
// flagged for human escalation.
const EscalationRiskThreshold = 0.7

// Interaction is the immutable per-call trace record. Rows are append-only
// and carry an HMAC signature binding id, envelope hash and outcome.
type Interaction struct {
	InteractionID string `json:"interaction_id"`

	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id,omitempty"`

	EnvelopeSHA256  string `json:"envelope_sha256"`
	EnvelopeVersion string `json:"envelope_version"`
	PersonaID       string `json:"persona_id"`
	PersonaVersion  string `json:"persona_version,omitempty"`
	PolicyVersion   int    `json:"policy_version"`

	ModelSlug       string         `json:"model_slug"`
	RoutingDecision map[string]any `json:"routing_decision,omitempty"`

	ToolsAllowed   []string        `json:"tools_allowed,omitempty"`
	ToolsUsed      []string        `json:"tools_used,omitempty"`
	PolicyGatesHit []PolicyGateHit `json:"policy_gates_hit,omitempty"`
	EvidenceUsed   []EvidenceRef   `json:"evidence_used,omitempty"`

	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CostEstimate float64 `json:"cost_estimate"`
	CacheHit     bool    `json:"cache_hit"`

	RiskScore           float64 `json:"risk_score"`
	EscalationTriggered bool    `json:"escalation_triggered"`

	Outcome   string `json:"outcome"`
	Signature string `json:"signature"`

	LatencyMS  int       `json:"latency_ms,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
