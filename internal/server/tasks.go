package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ssd-technologies/swarm/internal/auction"
)

// bidRequest is the JSON body for submitting a bid. EstimatedTime is a Go
// duration string such as "90s".
type bidRequest struct {
	BidderID        string          `json:"bidder_id"`
	EstimatedTime   string          `json:"estimated_time"`
	RequestedReward decimal.Decimal `json:"requested_reward"`
	Confidence      float64         `json:"confidence"`
	Capabilities    []string        `json:"capabilities"`
}

type completeRequest struct {
	AgentID string `json:"agent_id"`
	Success bool   `json:"success"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var task auction.Task
	if !s.decodeBody(w, r, &task) {
		return
	}
	task, err := s.coord.Auction.Announce(task)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleOpenTasks(w http.ResponseWriter, r *http.Request) {
	ids := s.coord.Auction.OpenTasks()
	tasks := make([]auction.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.coord.Auction.Task(id); ok {
			tasks = append(tasks, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := s.coord.Auction.Task(id)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", auction.ErrUnknownTask, id))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	var est time.Duration
	if req.EstimatedTime != "" {
		d, err := time.ParseDuration(req.EstimatedTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "estimated_time must be a duration like 90s")
			return
		}
		est = d
	}
	bid := auction.Bid{
		TaskID:          chi.URLParam(r, "id"),
		BidderID:        req.BidderID,
		EstimatedTime:   est,
		RequestedReward: req.RequestedReward,
		Confidence:      req.Confidence,
		Capabilities:    req.Capabilities,
	}
	if err := s.coord.SubmitBid(bid); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"task_id":   bid.TaskID,
		"bidder_id": bid.BidderID,
	})
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.coord.Auction.Task(id); !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", auction.ErrUnknownTask, id))
		return
	}
	bids := s.coord.Auction.Bids(id)
	if bids == nil {
		bids = []auction.Bid{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "bids": bids})
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.coord.Assignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.coord.CompleteTask(id, req.AgentID, req.Success); err != nil {
		s.fail(w, r, err)
		return
	}
	p := s.coord.Ledger.Profile(req.AgentID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "recorded", "task_id": id, "agent": p})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.coord.CancelTask(id, req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "task_id": id})
}
