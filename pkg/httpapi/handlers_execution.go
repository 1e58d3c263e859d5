package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/envelope"
	"github.com/uaesivakumar/upr-authority/pkg/gate"
	"github.com/uaesivakumar/upr-authority/pkg/observability"
	"github.com/uaesivakumar/upr-authority/pkg/replay"
	"github.com/uaesivakumar/upr-authority/pkg/trace"
)

// pinEnterprise enforces the token's enterprise binding. A body naming
// another enterprise is rejected unless the caller is SUPER_ADMIN.
func pinEnterprise(ident Identity, claimed string) (string, error) {
	if claimed == "" || claimed == ident.EnterpriseID {
		return ident.EnterpriseID, nil
	}
	if ident.Role == contracts.RoleSuperAdmin {
		return claimed, nil
	}
	return "", contracts.NewKernelErrorf(contracts.CodeCrossEnterpriseForbidden,
		"identity is pinned to enterprise %s", ident.EnterpriseID).
		WithDetail("claimed", claimed)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type sealRequest struct {
	TenantID    string          `json:"tenant_id,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	SubVertical string          `json:"sub_vertical"`
	RegionCode  string          `json:"region_code"`
	Content     json.RawMessage `json:"content"`
	TTLSeconds  int             `json:"ttl_seconds,omitempty"`
}

type sealResponse struct {
	Envelope *contracts.Envelope `json:"envelope"`
	IsNew    bool                `json:"is_new"`
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req sealRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, err := pinEnterprise(ident, req.TenantID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	result, err := s.sealer.Seal(r.Context(), ident.Actor(), envelope.SealInput{
		TenantID:    tenantID,
		WorkspaceID: orDefault(req.WorkspaceID, ident.WorkspaceID),
		UserID:      ident.UserID,
		SubVertical: req.SubVertical,
		RegionCode:  req.RegionCode,
		Content:     req.Content,
		SealedBy:    ident.UserID,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	observability.AddSpanEvent(r.Context(), "envelope.sealed",
		observability.EnvelopeAttrs(result.Envelope.TenantID, result.Envelope.SHA256Hash)...)

	status := http.StatusOK
	if result.IsNew {
		status = http.StatusCreated
	}
	writeData(w, r, status, sealResponse{Envelope: result.Envelope, IsNew: result.IsNew})
}

type verifyRequest struct {
	EnvelopeID string `json:"envelope_id,omitempty"`
	SHA256Hash string `json:"sha256_hash,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	var req verifyRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	result, err := s.envelopes.Verify(r.Context(), envelope.Ref{
		EnvelopeID: req.EnvelopeID,
		SHA256Hash: req.SHA256Hash,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, result)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	envelopeID := r.PathValue("id")
	if err := s.envelopes.Revoke(r.Context(), ident.Actor(), envelopeID); err != nil {
		writeErr(w, r, err)
		return
	}
	env, err := s.envelopes.Get(r.Context(), envelope.Ref{EnvelopeID: envelopeID})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, env)
}

type gateCheckRequest struct {
	Source            string         `json:"source,omitempty"`
	Endpoint          string         `json:"endpoint"`
	Method            string         `json:"method"`
	TenantID          string         `json:"tenant_id,omitempty"`
	WorkspaceID       string         `json:"workspace_id,omitempty"`
	ClaimedEnvelopeID string         `json:"claimed_envelope_id,omitempty"`
	ClaimedHash       string         `json:"claimed_hash,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
}

type gateCheckResponse struct {
	Admitted  bool                            `json:"admitted"`
	Envelope  *contracts.Envelope             `json:"envelope,omitempty"`
	Violation *contracts.RuntimeGateViolation `json:"violation,omitempty"`
}

// handleGateCheck answers "may this reasoning call proceed". A block is
// a successful check with admitted=false, not an HTTP error: the caller
// asked a question and got an answer.
func (s *Server) handleGateCheck(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req gateCheckRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, err := pinEnterprise(ident, req.TenantID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	decision, err := s.gate.Check(r.Context(), gate.CheckRequest{
		Source:            orDefault(req.Source, gate.SourceAPI),
		Endpoint:          req.Endpoint,
		Method:            req.Method,
		TenantID:          tenantID,
		WorkspaceID:       orDefault(req.WorkspaceID, ident.WorkspaceID),
		UserID:            ident.UserID,
		ClaimedEnvelopeID: req.ClaimedEnvelopeID,
		ClaimedHash:       req.ClaimedHash,
		Context:           req.Context,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := gateCheckResponse{Admitted: decision.Admitted}
	gateDecision, personaID, blockedRule := "PROCEED", "", ""
	if decision.Admitted {
		resp.Envelope = decision.Envelope
		personaID = decision.Envelope.PersonaID
	} else {
		resp.Violation = decision.Violation
		gateDecision = "BLOCK"
		blockedRule = string(decision.Violation.ViolationCode)
	}
	observability.AddSpanEvent(r.Context(), "gate.decision",
		observability.GateAttrs(tenantID, personaID, gateDecision, blockedRule)...)

	writeData(w, r, http.StatusOK, resp)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.allowSensitive(r.Context(), ident.UserID, actionGateDrilldown); err != nil {
		writeErr(w, r, err)
		return
	}

	tenantID, err := pinEnterprise(ident, r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	violations, err := s.gate.Violations(r.Context(), gate.Filter{
		TenantID: tenantID,
		Code:     contracts.ViolationCode(r.URL.Query().Get("code")),
		Status:   contracts.ResolutionStatus(r.URL.Query().Get("status")),
		Since:    since,
		Until:    until,
		Limit:    queryInt(r, "limit"),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"violations": violations})
}

type resolutionRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

func (s *Server) handleViolationResolution(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req resolutionRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	id := r.PathValue("id")
	err := s.gate.UpdateResolution(r.Context(), ident.Actor(), id,
		contracts.ResolutionStatus(req.Status), req.Notes)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]string{
		"violation_id":      id,
		"resolution_status": req.Status,
	})
}

type recordInteractionRequest struct {
	TenantID    string `json:"tenant_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`

	EnvelopeSHA256  string `json:"envelope_sha256"`
	EnvelopeVersion string `json:"envelope_version,omitempty"`
	PersonaID       string `json:"persona_id"`
	PersonaVersion  string `json:"persona_version,omitempty"`
	PolicyVersion   int    `json:"policy_version,omitempty"`

	ModelSlug       string         `json:"model_slug"`
	RoutingDecision map[string]any `json:"routing_decision,omitempty"`

	ToolsAllowed []string                `json:"tools_allowed,omitempty"`
	ToolsUsed    []string                `json:"tools_used,omitempty"`
	EvidenceUsed []contracts.EvidenceRef `json:"evidence_used,omitempty"`

	TokensIn     int     `json:"tokens_in,omitempty"`
	TokensOut    int     `json:"tokens_out,omitempty"`
	CostEstimate float64 `json:"cost_estimate,omitempty"`
	CacheHit     bool    `json:"cache_hit,omitempty"`

	RiskScore float64 `json:"risk_score,omitempty"`
	Outcome   string  `json:"outcome"`
	LatencyMS int     `json:"latency_ms,omitempty"`
	Source    string  `json:"source,omitempty"`
}

// handleRecordInteraction ingests the evidence record a runtime emits
// after a gate-admitted reasoning call completes.
func (s *Server) handleRecordInteraction(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req recordInteractionRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, err := pinEnterprise(ident, req.TenantID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	in, err := s.traces.Record(r.Context(), trace.RecordParams{
		TenantID:        tenantID,
		WorkspaceID:     orDefault(req.WorkspaceID, ident.WorkspaceID),
		UserID:          ident.UserID,
		EnvelopeSHA256:  req.EnvelopeSHA256,
		EnvelopeVersion: req.EnvelopeVersion,
		PersonaID:       req.PersonaID,
		PersonaVersion:  req.PersonaVersion,
		PolicyVersion:   req.PolicyVersion,
		ModelSlug:       req.ModelSlug,
		RoutingDecision: req.RoutingDecision,
		ToolsAllowed:    req.ToolsAllowed,
		ToolsUsed:       req.ToolsUsed,
		EvidenceUsed:    req.EvidenceUsed,
		TokensIn:        req.TokensIn,
		TokensOut:       req.TokensOut,
		CostEstimate:    req.CostEstimate,
		CacheHit:        req.CacheHit,
		RiskScore:       req.RiskScore,
		Outcome:         req.Outcome,
		LatencyMS:       req.LatencyMS,
		Source:          orDefault(req.Source, gate.SourceAPI),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	observability.AddSpanEvent(r.Context(), "interaction.recorded",
		observability.EnvelopeAttrs(in.TenantID, in.EnvelopeSHA256)...)

	writeData(w, r, http.StatusCreated, in)
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.allowSensitive(r.Context(), ident.UserID, actionTraceRead); err != nil {
		writeErr(w, r, err)
		return
	}

	if hash := r.URL.Query().Get("sha256_hash"); hash != "" {
		interactions, err := s.traces.ByEnvelope(r.Context(), hash, queryInt(r, "limit"))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeData(w, r, http.StatusOK, map[string]any{"interactions": interactions})
		return
	}

	tenantID, err := pinEnterprise(ident, r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	f := trace.Filter{TenantID: tenantID, Limit: queryInt(r, "limit")}
	if since != nil {
		f.Since = *since
	}
	if until != nil {
		f.Until = *until
	}
	interactions, err := s.traces.List(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"interactions": interactions})
}

type replayInitiateRequest struct {
	SHA256Hash string         `json:"sha256_hash"`
	Source     string         `json:"source,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

type replayInitiateResponse struct {
	Attempt *contracts.ReplayAttempt `json:"attempt"`
	Content json.RawMessage          `json:"content,omitempty"`
}

func (s *Server) handleReplayInitiate(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req replayInitiateRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	result, err := s.replays.Initiate(r.Context(), ident.Actor(), replay.InitiateParams{
		SHA256Hash:  req.SHA256Hash,
		RequestedBy: ident.UserID,
		Source:      orDefault(req.Source, gate.SourceAPI),
		Context:     req.Context,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, replayInitiateResponse{
		Attempt: result.Attempt,
		Content: result.Content,
	})
}

type replayCompleteRequest struct {
	ReplayID string          `json:"replay_id"`
	Output   json.RawMessage `json:"output,omitempty"`
	NewHash  string          `json:"new_hash,omitempty"`
}

func (s *Server) handleReplayComplete(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req replayCompleteRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	attempt, err := s.replays.Complete(r.Context(), ident.Actor(), req.ReplayID, req.Output, req.NewHash)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	driftCount := 0
	if attempt.Drift != nil {
		driftCount = 1
	}
	observability.AddSpanEvent(r.Context(), "replay.completed",
		observability.ReplayAttrs(attempt.ReplayID, string(attempt.Status), driftCount)...)

	writeData(w, r, http.StatusOK, attempt)
}

func (s *Server) handleReplayHistory(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.allowSensitive(r.Context(), ident.UserID, actionReplayHistory); err != nil {
		writeErr(w, r, err)
		return
	}
	hash := r.URL.Query().Get("sha256_hash")
	if hash == "" {
		writeErr(w, r, contracts.NewKernelError(contracts.CodeValidationFailed, "sha256_hash is required"))
		return
	}
	attempts, err := s.replays.History(r.Context(), hash, queryInt(r, "limit"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"attempts": attempts})
}
