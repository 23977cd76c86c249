package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ssd-technologies/swarm/internal/membership"
	"github.com/ssd-technologies/swarm/internal/storage"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 500
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.coord.Ledger.Profiles()})
}

// handleGetAgent returns the agent's profile. Unknown ids get the neutral
// profile a newcomer would start with.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"known":   s.coord.Ledger.Known(id),
		"profile": s.coord.Ledger.Profile(id),
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	online := s.coord.Members.Online()
	if online == nil {
		online = []membership.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"members": online,
		"stats":   s.coord.Members.Stats(),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb membership.Heartbeat
	if !s.decodeBody(w, r, &hb) {
		return
	}
	hb.ID = chi.URLParam(r, "id")
	s.coord.Members.Observe(hb)
	m, ok := s.coord.Members.Member(hb.ID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "left", "id": hb.ID})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := defaultOutcomeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxOutcomeLimit)
	}
	out, err := s.coord.Outcomes(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out == nil {
		out = []storage.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": out})
}
