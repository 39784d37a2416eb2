package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// assignTenantRequest is the JSON body for PUT /v1/processes/{id}/tenant.
type assignTenantRequest struct {
	TenantID *int64 `json:"tenant_id"`
}

type assignTenantResponse struct {
	ProcessID int64 `json:"process_id"`
	TenantID  int64 `json:"tenant_id"`
}

func (s *Server) handleAssignTenant(w http.ResponseWriter, r *http.Request) {
	processID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "process id must be an integer")
		return
	}

	var req assignTenantRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == nil {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	if err := s.store.RegisterProcess(r.Context(), processID, *req.TenantID); err != nil {
		s.writeServiceError(w, err, "register process")
		return
	}
	if s.tenants != nil {
		s.tenants.Forget(processID)
	}

	s.writeJSON(w, http.StatusOK, assignTenantResponse{ProcessID: processID, TenantID: *req.TenantID})
}
