// Package server exposes the coordinator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/swarm/internal/auction"
	"github.com/ssd-technologies/swarm/internal/blob"
	"github.com/ssd-technologies/swarm/internal/coordinator"
	"github.com/ssd-technologies/swarm/internal/logging"
	"github.com/ssd-technologies/swarm/internal/ratelimit"
	"github.com/ssd-technologies/swarm/internal/storage"
	"github.com/ssd-technologies/swarm/internal/voting"
)

// Options configure the HTTP surface.
type Options struct {
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
	MaxBodyBytes   int64
	// Hub, when set, is mounted at /ws for peers using the websocket
	// transport.
	Hub    http.Handler
	Logger zerolog.Logger
}

// Server is the coordinator's HTTP API.
type Server struct {
	coord   *coordinator.Coordinator
	opts    Options
	log     zerolog.Logger
	limiter *ratelimit.Keyed
	router  chi.Router
	started time.Time
}

// New creates a new Server with all routes registered.
func New(coord *coordinator.Coordinator, opts Options) *Server {
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		coord:   coord,
		opts:    opts,
		log:     logging.Component(opts.Logger, "http"),
		limiter: ratelimit.NewKeyed(opts.RateLimit, opts.RateWindow),
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.rateLimit)

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.handleAnnounce)
		r.Get("/", s.handleOpenTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/{id}/bids", s.handleSubmitBid)
		r.Get("/{id}/bids", s.handleListBids)
		r.Get("/{id}/assignment", s.handleGetAssignment)
		r.Post("/{id}/complete", s.handleComplete)
		r.Post("/{id}/cancel", s.handleCancel)
	})

	r.Route("/api/proposals", func(r chi.Router) {
		r.Post("/", s.handlePropose)
		r.Get("/", s.handlePendingProposals)
		r.Get("/{id}", s.handleGetProposal)
		r.Get("/{id}/tally", s.handleTally)
		r.Get("/{id}/solution", s.handleSolution)
		r.Post("/{id}/votes", s.handleVote)
	})

	r.Get("/api/agents", s.handleListAgents)
	r.Get("/api/agents/{id}", s.handleGetAgent)
	r.Get("/api/members", s.handleMembers)
	r.Post("/api/members/{id}/heartbeat", s.handleHeartbeat)
	r.Get("/api/outcomes", s.handleOutcomes)

	if s.opts.Hub != nil {
		r.Get("/ws", s.opts.Hub.ServeHTTP)
	}
	s.router = r
}

// RunMaintenance drops idle per-client limiters until ctx is cancelled.
func (s *Server) RunMaintenance(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if n := s.limiter.Prune(2 * s.opts.RateWindow); n > 0 {
				s.log.Debug().Int("pruned", n).Msg("idle client limiters pruned")
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.coord.Members.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "swarm-coordinator",
		"node_id":        s.coord.NodeID(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"open_tasks":     len(s.coord.Auction.OpenTasks()),
		"pending_votes":  len(s.coord.Voting.Pending()),
		"members_online": stats.Online,
	})
}

// decodeBody reads a bounded JSON request body into v. Unknown fields are
// rejected.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		}
		return false
	}
	return true
}

// statusFor maps engine and storage errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auction.ErrUnknownTask),
		errors.Is(err, voting.ErrUnknownProposal),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrDuplicateTask),
		errors.Is(err, auction.ErrDuplicateBid),
		errors.Is(err, auction.ErrTooManyBids),
		errors.Is(err, voting.ErrDuplicateVote),
		errors.Is(err, voting.ErrProposalNotPending):
		return http.StatusConflict
	case errors.Is(err, auction.ErrInvalidTask),
		errors.Is(err, auction.ErrInvalidBid),
		errors.Is(err, auction.ErrCapabilityMismatch),
		errors.Is(err, voting.ErrInvalidProposal),
		errors.Is(err, blob.ErrInvalidRef):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrNotAssignee):
		return http.StatusForbidden
	case errors.Is(err, voting.ErrVotingExpired):
		return http.StatusGone
	case errors.Is(err, coordinator.ErrPeerOwned):
		return http.StatusMisdirectedRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// their detail withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
