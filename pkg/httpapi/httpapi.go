// Package httpapi is the kernel's JSON adapter: a thin layer that
// authenticates execution identities, pins them to their enterprise and
// workspace, rate-limits the edge, and translates between HTTP and the
// kernel services. All decisions live in the services; handlers only
// decode, delegate and encode.
package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/configkernel"
	"github.com/uaesivakumar/upr-authority/pkg/envelope"
	"github.com/uaesivakumar/upr-authority/pkg/export"
	"github.com/uaesivakumar/upr-authority/pkg/gate"
	"github.com/uaesivakumar/upr-authority/pkg/governance"
	"github.com/uaesivakumar/upr-authority/pkg/observability"
	"github.com/uaesivakumar/upr-authority/pkg/ratelimit"
	"github.com/uaesivakumar/upr-authority/pkg/replay"
	"github.com/uaesivakumar/upr-authority/pkg/trace"
)

// Sensitive-read limiter actions. Drill-down reads burn the per-user
// budget under these keys.
const (
	actionAuditRead     = "audit.read"
	actionExportRead    = "export.read"
	actionReplayHistory = "replay.history"
	actionGateDrilldown = "gate.violations"
	actionTraceRead     = "trace.read"
)

// Deps wires the server. Auth is required; nil limiters fail open and a
// nil observability provider disables instrumentation.
type Deps struct {
	DB        *sql.DB
	Sealer    *envelope.Sealer
	Envelopes *envelope.Store
	Gate      *gate.Gate
	Replays   *replay.Engine
	Suites    *governance.Service
	Configs   *configkernel.Store
	Audits    *audit.Log
	Exports   *export.Service
	Traces    *trace.Recorder

	Auth      *Authenticator
	PerIP     ratelimit.Limiter
	Sensitive ratelimit.Limiter

	Observability *observability.Provider
	SLOs          *observability.SLOTracker
}

// Server serves the kernel API.
type Server struct {
	db        *sql.DB
	sealer    *envelope.Sealer
	envelopes *envelope.Store
	gate      *gate.Gate
	replays   *replay.Engine
	suites    *governance.Service
	configs   *configkernel.Store
	audits    *audit.Log
	exports   *export.Service
	traces    *trace.Recorder

	auth      *Authenticator
	perIP     ratelimit.Limiter
	sensitive ratelimit.Limiter

	obs    *observability.Provider
	slos   *observability.SLOTracker
	logger *slog.Logger
}

// New builds a server over the kernel services.
func New(deps Deps) *Server {
	return &Server{
		db:        deps.DB,
		sealer:    deps.Sealer,
		envelopes: deps.Envelopes,
		gate:      deps.Gate,
		replays:   deps.Replays,
		suites:    deps.Suites,
		configs:   deps.Configs,
		audits:    deps.Audits,
		exports:   deps.Exports,
		traces:    deps.Traces,
		auth:      deps.Auth,
		perIP:     deps.PerIP,
		sensitive: deps.Sensitive,
		obs:       deps.Observability,
		slos:      deps.SLOs,
		logger:    slog.Default().With("component", "httpapi"),
	}
}

// Handler assembles the middleware chain around the route table. The
// instrumentation sits inside auth so metrics and SLOs measure the
// service, not edge rejections.
func (s *Server) Handler() http.Handler {
	var inner http.Handler = s.routes()
	if s.obs != nil {
		inner = s.obs.Middleware(s.slos)(inner)
	}
	return requestIDMiddleware(s.rateLimitMiddleware(s.authMiddleware(inner)))
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/envelopes/seal", s.handleSeal)
	mux.HandleFunc("POST /v1/envelopes/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/envelopes/{id}/revoke", s.handleRevoke)

	mux.HandleFunc("POST /v1/runtime-gate/check", s.handleGateCheck)
	mux.HandleFunc("GET /v1/runtime-gate/violations", s.handleViolations)
	mux.HandleFunc("POST /v1/runtime-gate/violations/{id}/resolution", s.handleViolationResolution)

	mux.HandleFunc("POST /v1/interactions", s.handleRecordInteraction)
	mux.HandleFunc("GET /v1/interactions", s.handleListInteractions)

	mux.HandleFunc("POST /v1/replay/initiate", s.handleReplayInitiate)
	mux.HandleFunc("POST /v1/replay/complete", s.handleReplayComplete)
	mux.HandleFunc("GET /v1/replay/history", s.handleReplayHistory)

	mux.HandleFunc("POST /v1/suites", s.handleCreateSuite)
	mux.HandleFunc("GET /v1/suites", s.handleListSuites)
	mux.HandleFunc("GET /v1/suites/{id}", s.handleGetSuite)
	mux.HandleFunc("GET /v1/suites/{id}/scenarios", s.handleListScenarios)
	mux.HandleFunc("POST /v1/suites/{id}/scenarios", s.handleAddScenario)
	mux.HandleFunc("GET /v1/suites/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/suites/{id}/history", s.handleSuiteHistory)
	mux.HandleFunc("POST /v1/suites/{id}/commands/{command}", s.handleSuiteCommand)

	mux.HandleFunc("GET /v1/calibration/invites/{token}", s.handleInviteAccess)
	mux.HandleFunc("POST /v1/calibration/invites/{token}/scores", s.handleInviteScore)
	mux.HandleFunc("POST /v1/calibration/invites/{token}/complete", s.handleInviteComplete)

	mux.HandleFunc("GET /v1/config/{namespace}", s.handleConfigNamespace)
	mux.HandleFunc("GET /v1/config/{namespace}/{key}", s.handleConfigGet)
	mux.HandleFunc("PUT /v1/config/{namespace}/{key}", s.handleConfigPut)
	mux.HandleFunc("POST /v1/config/{namespace}/{key}/rollback", s.handleConfigRollback)

	mux.HandleFunc("GET /v1/audit", s.handleAuditQuery)

	mux.HandleFunc("POST /v1/exports", s.handleCreateExport)
	mux.HandleFunc("GET /v1/exports", s.handleListExports)
	mux.HandleFunc("GET /v1/exports/{id}", s.handleGetExport)
	mux.HandleFunc("GET /v1/exports/{id}/download", s.handleDownloadExport)

	mux.HandleFunc("GET /v1/ops/slo", s.handleSLOStatus)

	return mux
}

// rateLimitMiddleware throttles by client IP before auth so token
// parsing is behind the limiter. Fails open when no limiter is wired or
// the limiter itself errors.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.perIP == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := s.perIP.Allow(r.Context(), clientIP(r), "http")
		if err != nil {
			s.logger.Warn("per-ip limiter unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			writeRateLimited(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowSensitive burns one unit of the caller's drill-down budget.
func (s *Server) allowSensitive(ctx context.Context, userID, action string) error {
	if s.sensitive == nil {
		return nil
	}
	allowed, err := s.sensitive.Allow(ctx, userID, action)
	if err != nil {
		s.logger.Warn("sensitive-read limiter unavailable", "action", action, "error", err)
		return nil
	}
	if !allowed {
		return errRateLimited(action)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			writeData(w, r, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSLOStatus(w http.ResponseWriter, r *http.Request) {
	if s.slos == nil {
		writeData(w, r, http.StatusOK, map[string]any{"operations": []any{}})
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"operations": s.slos.StatusAll()})
}
