package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ssd-technologies/swarm/internal/voting"
)

// proposeRequest is the JSON body for opening a vote. Solution is the raw
// payload, base64 encoded on the wire.
type proposeRequest struct {
	TaskID     string  `json:"task_id"`
	ProposerID string  `json:"proposer_id"`
	Confidence float64 `json:"confidence"`
	Solution   []byte  `json:"solution"`
}

type voteRequest struct {
	VoterID string `json:"voter_id"`
	Support bool   `json:"support"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Solution) == 0 {
		writeError(w, http.StatusBadRequest, "solution is required")
		return
	}
	p, err := s.coord.Propose(req.TaskID, req.ProposerID, req.Confidence, req.Solution)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePendingProposals(w http.ResponseWriter, r *http.Request) {
	ids := s.coord.Voting.Pending()
	out := make([]voting.Proposal, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.coord.Voting.Proposal(id); ok {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": out})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.coord.Voting.Proposal(id)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", voting.ErrUnknownProposal, id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.coord.Voting.Tally(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleSolution streams the raw solution payload.
func (s *Server) handleSolution(w http.ResponseWriter, r *http.Request) {
	data, err := s.coord.Solution(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.VoterID == "" {
		writeError(w, http.StatusBadRequest, "voter_id is required")
		return
	}
	id := chi.URLParam(r, "id")
	v, err := s.coord.Vote(id, req.VoterID, req.Support, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, _ := s.coord.Voting.Proposal(id)
	writeJSON(w, http.StatusCreated, map[string]any{"vote": v, "status": p.Status})
}
