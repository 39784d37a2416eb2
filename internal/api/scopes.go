package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/isoreg/internal/archive"
	"github.com/seantiz/isoreg/internal/loader"
	"github.com/seantiz/isoreg/internal/model"
	"github.com/seantiz/isoreg/internal/registry"
	"github.com/seantiz/isoreg/internal/store"
)

const (
	maxBodySize       = 1 << 20 // 1 MB
	maxResourceUpload = archive.MaxTotalSize
)

// scopeResponse describes a registered scope.
type scopeResponse struct {
	Scope      model.ScopeID `json:"scope"`
	Parent     model.ScopeID `json:"parent"`
	Generation uint64        `json:"generation"`
	Resources  []string      `json:"resources"`
}

// putResourcesRequest is the JSON body for PUT /v1/scopes/{type}/{id}/resources.
type putResourcesRequest struct {
	Resources model.ResourceSet `json:"resources"`
}

// putResourcesResponse acknowledges a stored resource set.
type putResourcesResponse struct {
	Scope     model.ScopeID `json:"scope"`
	Resources int           `json:"resources"`
	Bytes     int           `json:"bytes"`
}

// errorResponse carries an error message and, for conflicts, the children
// that block a removal.
type errorResponse struct {
	Error    string          `json:"error"`
	Children []model.ScopeID `json:"children,omitempty"`
}

func (s *Server) handleListScopes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Scopes())
}

func (s *Server) handleCreateScope(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeParam(w, r)
	if !ok {
		return
	}

	v, err := s.registry.GetOrCreate(r.Context(), scope)
	if err != nil {
		s.writeServiceError(w, err, "create scope")
		return
	}
	s.writeJSON(w, http.StatusOK, describe(v))
}

func (s *Server) handleGetScope(w http.ResponseWriter, r *http.Request) {
	v, ok := s.registered(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, describe(v))
}

func (s *Server) handleRemoveScope(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeParam(w, r)
	if !ok {
		return
	}
	if err := s.registry.Remove(r.Context(), scope); err != nil {
		s.writeServiceError(w, err, "remove scope")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	v, ok := s.registered(w, r)
	if !ok {
		return
	}
	names := v.ListResources()
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	v, ok := s.registered(w, r)
	if !ok {
		return
	}
	sym, err := v.Resolve(chi.URLParam(r, "*"))
	if err != nil {
		s.writeServiceError(w, err, "resolve")
		return
	}
	s.writeJSON(w, http.StatusOK, sym)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	v, ok := s.registered(w, r)
	if !ok {
		return
	}
	data, err := v.GetResource(chi.URLParam(r, "*"))
	if err != nil {
		s.writeServiceError(w, err, "get resource")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handlePutResources stores a new resource set for the scope and requests a
// refresh that is applied once the storing transaction commits. The body is
// either JSON or a gzip-compressed tar archive.
func (s *Server) handlePutResources(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scopeParam(w, r)
	if !ok {
		return
	}

	set, format, err := readResourceSet(http.MaxBytesReader(w, r.Body, maxResourceUpload), r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := loader.CheckNames(scope, set); err != nil {
		s.writeServiceError(w, err, "check resources")
		return
	}

	err = s.txm.Run(r.Context(), func(ctx context.Context) error {
		if err := s.store.PutResources(ctx, scope, set); err != nil {
			return err
		}
		return s.sync.RequestRefresh(ctx, scope)
	})
	if err != nil {
		s.writeServiceError(w, err, "store resources")
		return
	}

	observeUpload(format, set.Size())
	s.writeJSON(w, http.StatusAccepted, putResourcesResponse{Scope: scope, Resources: len(set), Bytes: set.Size()})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.ListResourceScopes(r.Context())
	if err != nil {
		s.writeServiceError(w, err, "list deployments")
		return
	}
	if sums == nil {
		sums = []store.ScopeSummary{}
	}
	s.writeJSON(w, http.StatusOK, sums)
}

// readResourceSet decodes an upload body and reports its format. Archives
// are recognized by content type or by their magic bytes.
func readResourceSet(body io.Reader, contentType string) (model.ResourceSet, string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", errors.New("request body too large or unreadable")
	}

	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "gzip") || archive.IsGzip(data) {
		set, err := archive.ReadResourceSet(bytes.NewReader(data))
		return set, uploadArchive, err
	}

	var req putResourcesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, "", errors.New("invalid JSON body")
	}
	return req.Resources, uploadJSON, nil
}

// scopeParam parses the {type}/{id} path parameters.
func (s *Server) scopeParam(w http.ResponseWriter, r *http.Request) (model.ScopeID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "scope id must be an integer")
		return model.ScopeID{}, false
	}
	scope := model.NewScopeID(chi.URLParam(r, "type"), id)
	if !scope.Valid() {
		s.writeError(w, http.StatusBadRequest, "invalid scope")
		return model.ScopeID{}, false
	}
	return scope, true
}

// registered returns the context of the scope in the path without creating it.
func (s *Server) registered(w http.ResponseWriter, r *http.Request) (*loader.Virtual, bool) {
	scope, ok := s.scopeParam(w, r)
	if !ok {
		return nil, false
	}
	v, ok := s.registry.Get(scope)
	if !ok {
		s.writeError(w, http.StatusNotFound, "scope not registered")
		return nil, false
	}
	return v, true
}

func describe(v *loader.Virtual) scopeResponse {
	resp := scopeResponse{
		Scope:      v.Scope(),
		Parent:     model.Root,
		Generation: v.Generation(),
		Resources:  v.ListResources(),
	}
	if p := v.Parent(); p != nil {
		resp.Parent = p.Scope()
	}
	if resp.Resources == nil {
		resp.Resources = []string{}
	}
	return resp
}

// writeServiceError maps service errors to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, action string) {
	var inUse *registry.HierarchyInUseError
	switch {
	case errors.As(err, &inUse):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Children: inUse.Children})
	case errors.Is(err, registry.ErrConfiguration):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, loader.ErrMaterialization), errors.Is(err, model.ErrInvalidScope):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, loader.ErrSymbolNotFound), errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(action, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
