package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/isoreg/internal/cluster"
)

// handleClusterRefresh accepts a refresh command broadcast by another node
// and schedules it locally.
func (s *Server) handleClusterRefresh(w http.ResponseWriter, r *http.Request) {
	var cmd cluster.RefreshCommand
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if cmd.ID == "" || cmd.Origin == "" {
		s.writeError(w, http.StatusBadRequest, "id and origin are required")
		return
	}
	for _, scope := range cmd.Scopes {
		if !scope.Valid() {
			s.writeError(w, http.StatusBadRequest, "invalid scope "+scope.String())
			return
		}
	}

	s.sync.ApplyRemote(cmd)
	w.WriteHeader(http.StatusAccepted)
}
