package api

import (
	"github.com/mattjoyce/shipyard/internal/dispatch"
)

// DeployRequest is the optional JSON body for POST /deploy/{agent}.
type DeployRequest struct {
	Branch        string `json:"branch,omitempty"`
	CommitRef     string `json:"commit_ref,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
}

// DeployResponse reports the dispatcher decision.
type DeployResponse struct {
	Outcome dispatch.Outcome `json:"outcome"`
	JobID   string           `json:"job_id,omitempty"`
	Agent   string           `json:"agent,omitempty"`
	Branch  string           `json:"branch,omitempty"`
}

// AgentSummary is one entry of GET /agents.
type AgentSummary struct {
	Name            string   `json:"name"`
	SourceRepo      string   `json:"source_repo"`
	AutoDeploy      bool     `json:"auto_deploy"`
	AllowedBranches []string `json:"allowed_branches"`
	DefaultBranch   string   `json:"default_branch"`
}

// AgentListResponse is returned by GET /agents.
type AgentListResponse struct {
	Agents []AgentSummary `json:"agents"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	QueueDepth    map[string]int `json:"queue_depth"`
	// Pending counts jobs that still need a worker: waiting, active and delayed_retry.
	Pending      int `json:"pending"`
	AgentsLoaded int `json:"agents_loaded"`
	Workers      int `json:"workers"`
}
