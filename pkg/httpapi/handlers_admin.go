package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/uaesivakumar/upr-authority/pkg/audit"
	"github.com/uaesivakumar/upr-authority/pkg/configkernel"
	"github.com/uaesivakumar/upr-authority/pkg/contracts"
	"github.com/uaesivakumar/upr-authority/pkg/export"
)

func (s *Server) handleConfigNamespace(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	entries, err := s.configs.GetNamespace(r.Context(), r.PathValue("namespace"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	entry, err := s.configs.Get(r.Context(), r.PathValue("namespace"), r.PathValue("key"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, entry)
}

type configPutRequest struct {
	Value json.RawMessage `json:"value"`
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req configPutRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	entry, err := s.configs.Set(r.Context(), ident.Actor(), configkernel.SetParams{
		Namespace: r.PathValue("namespace"),
		Key:       r.PathValue("key"),
		Value:     req.Value,
		UpdatedBy: ident.UserID,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, entry)
}

type configRollbackRequest struct {
	Version int `json:"version"`
}

func (s *Server) handleConfigRollback(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req configRollbackRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	entry, err := s.configs.Rollback(r.Context(), ident.Actor(),
		r.PathValue("namespace"), r.PathValue("key"), req.Version)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, entry)
}

// handleAuditQuery serves filtered audit reads. Non-admin callers are
// pinned to their own enterprise's entries.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.allowSensitive(r.Context(), ident.UserID, actionAuditRead); err != nil {
		writeErr(w, r, err)
		return
	}

	enterpriseID, err := pinEnterprise(ident, r.URL.Query().Get("enterprise_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if ident.Role == contracts.RoleSuperAdmin && r.URL.Query().Get("enterprise_id") == "" {
		enterpriseID = "" // admins see across enterprises by default
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

	entries, err := s.audits.Query(r.Context(), audit.Filter{
		ActorID:      r.URL.Query().Get("actor_id"),
		TargetType:   r.URL.Query().Get("target_type"),
		TargetID:     r.URL.Query().Get("target_id"),
		EnterpriseID: enterpriseID,
		Action:       r.URL.Query().Get("action"),
		Since:        since,
		Until:        until,
		Limit:        queryInt(r, "limit"),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"entries": entries})
}

type createExportRequest struct {
	Kind    string         `json:"kind"`
	Filters export.Filters `json:"filters,omitempty"`
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req createExportRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	// Pin the bundle to the caller's enterprise unless an admin asked
	// for a cross-enterprise export.
	if ident.Role != contracts.RoleSuperAdmin {
		enterpriseID, err := pinEnterprise(ident, req.Filters.EnterpriseID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		req.Filters.EnterpriseID = enterpriseID
		tenantID, err := pinEnterprise(ident, req.Filters.TenantID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		req.Filters.TenantID = tenantID
	}

	request, err := s.exports.Create(r.Context(), ident.Actor(), req.Kind, req.Filters)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, request)
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.allowSensitive(r.Context(), ident.UserID, actionExportRead); err != nil {
		writeErr(w, r, err)
		return
	}
	requests, err := s.exports.List(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"requests": requests})
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	request, err := s.exports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, request)
}

// handleDownloadExport streams the verified bundle bytes rather than the
// JSON envelope; the bundle is already canonical JSON with its own hash.
func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	if err := s.allowSensitive(r.Context(), ident.UserID, actionExportRead); err != nil {
		writeErr(w, r, err)
		return
	}
	requestID := r.PathValue("id")
	data, err := s.exports.Download(r.Context(), requestID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	request, err := s.exports.Get(r.Context(), requestID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Bundle-SHA256", request.BundleHash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
