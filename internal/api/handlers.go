package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/shipyard/internal/dispatch"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/status"
)

const maxDeployBody = 64 << 10

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.depth.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    make(map[string]int, len(depth)),
		AgentsLoaded:  len(s.agents.All()),
		Workers:       s.config.Workers,
	}
	for state, n := range depth {
		resp.QueueDepth[string(state)] = n
		if !state.Terminal() {
			resp.Pending += n
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleDeploy handles POST /deploy/{agent}, the manual trigger.
// Rejections are decisions, answered with 200 and the outcome code.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	agentName := chi.URLParam(r, "agent")

	var req DeployRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxDeployBody)
	if r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	decision, err := s.dispatcher.Dispatch(r.Context(), dispatch.Trigger{
		EventType:         dispatch.EventManual,
		AgentNameOverride: agentName,
		Branch:            req.Branch,
		CommitRef:         req.CommitRef,
		CommitMessage:     req.CommitMessage,
	})
	if errors.Is(err, dispatch.ErrInvalidTrigger) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to dispatch manual trigger", "agent", agentName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	resp := DeployResponse{
		Outcome: decision.Outcome,
		JobID:   decision.JobID,
		Agent:   decision.Agent,
		Branch:  decision.Branch,
	}
	code := http.StatusAccepted
	if decision.Outcome.Rejected() {
		code = http.StatusOK
	}
	respondJSON(w, code, resp)
}

// handleGetJob handles GET /job/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	view, err := s.status.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) || errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handleListAgents handles GET /agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.All()
	resp := AgentListResponse{Agents: make([]AgentSummary, 0, len(agents))}
	for _, a := range agents {
		branches := a.AllowedBranches
		if branches == nil {
			branches = []string{}
		}
		resp.Agents = append(resp.Agents, AgentSummary{
			Name:            a.Name,
			SourceRepo:      a.SourceRepo,
			AutoDeploy:      a.AutoDeploy,
			AllowedBranches: branches,
			DefaultBranch:   a.DefaultBranch(),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
