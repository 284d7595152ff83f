package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/shipyard/internal/events"
	"github.com/mattjoyce/shipyard/internal/log"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/registry"
)

// EventType distinguishes push notifications from operator requests.
type EventType string

const (
	EventPush   EventType = "push"
	EventManual EventType = "manual"
)

// Trigger is an already-authenticated deployment request.
type Trigger struct {
	EventType     EventType
	SourceRepo    string
	Branch        string
	CommitRef     string
	CommitMessage string
	// AgentNameOverride selects the agent for manual triggers.
	AgentNameOverride string
}

// Outcome is the dispatcher's decision code.
type Outcome string

const (
	OutcomeEnqueued           Outcome = "enqueued"
	OutcomeUnknownAgent       Outcome = "unknown_agent"
	OutcomeBranchNotEligible  Outcome = "branch_not_eligible"
	OutcomeAutoDeployDisabled Outcome = "auto_deploy_disabled"
)

// Rejected reports whether the outcome is a no-op.
func (o Outcome) Rejected() bool { return o != OutcomeEnqueued }

// Decision is the result of Dispatch. JobID is set only when enqueued.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	JobID   string  `json:"job_id,omitempty"`
	Agent   string  `json:"agent,omitempty"`
	Branch  string  `json:"branch,omitempty"`
}

// ErrInvalidTrigger is returned for triggers missing fields the event type needs.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Enqueuer is the slice of the queue the dispatcher writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Dispatcher holds the agent registry and the queue it feeds.
type Dispatcher struct {
	registry *registry.Registry
	queue    Enqueuer
	events   events.Publisher
	logger   *slog.Logger
}

// New creates a Dispatcher. A nil publisher discards events.
func New(reg *registry.Registry, q Enqueuer, pub events.Publisher) *Dispatcher {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Dispatcher{
		registry: reg,
		queue:    q,
		events:   pub,
		logger:   log.WithComponent("dispatch"),
	}
}

// Dispatch evaluates t and enqueues at most one job.
func (d *Dispatcher) Dispatch(ctx context.Context, t Trigger) (Decision, error) {
	var (
		decision Decision
		req      queue.EnqueueRequest
		err      error
	)
	switch t.EventType {
	case EventPush:
		decision, req, err = d.decidePush(t)
	case EventManual:
		decision, req, err = d.decideManual(t)
	default:
		return Decision{}, fmt.Errorf("%w: unsupported event type %q", ErrInvalidTrigger, t.EventType)
	}
	if err != nil {
		return Decision{}, err
	}

	logger := d.logger.With("event_type", t.EventType, "source_repo", t.SourceRepo, "branch", decision.Branch)
	if decision.Outcome.Rejected() {
		logger.Info("trigger rejected", "outcome", decision.Outcome, "agent", decision.Agent)
		d.events.Publish(events.TriggerRejected, events.RejectionEvent{
			Outcome:    string(decision.Outcome),
			SourceRepo: t.SourceRepo,
			Agent:      decision.Agent,
			Branch:     decision.Branch,
		})
		return decision, nil
	}

	jobID, err := d.queue.Enqueue(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("enqueue deploy for %s: %w", req.AgentName, err)
	}
	decision.JobID = jobID

	logger.Info("deploy job enqueued", "job_id", jobID, "agent", req.AgentName, "manual", req.TriggeredManually)
	d.events.Publish(events.JobEnqueued, events.JobEvent{
		JobID:  jobID,
		Agent:  req.AgentName,
		Branch: req.Branch,
		State:  string(queue.StateWaiting),
	})
	return decision, nil
}

func (d *Dispatcher) decidePush(t Trigger) (Decision, queue.EnqueueRequest, error) {
	if strings.TrimSpace(t.SourceRepo) == "" || strings.TrimSpace(t.Branch) == "" {
		return Decision{}, queue.EnqueueRequest{}, fmt.Errorf("%w: push requires source repo and branch", ErrInvalidTrigger)
	}

	candidates := d.registry.BySourceRepo(t.SourceRepo)
	if len(candidates) == 0 {
		return Decision{Outcome: OutcomeUnknownAgent, Branch: t.Branch}, queue.EnqueueRequest{}, nil
	}

	// First agent passing every check wins; otherwise report the first
	// candidate's rejection so repeated triggers get a stable answer.
	var first Decision
	for i, agent := range candidates {
		outcome := OutcomeEnqueued
		switch {
		case !agent.AllowsBranch(t.Branch):
			outcome = OutcomeBranchNotEligible
		case !agent.AutoDeploy:
			outcome = OutcomeAutoDeployDisabled
		}

		decision := Decision{Outcome: outcome, Agent: agent.Name, Branch: t.Branch}
		if outcome == OutcomeEnqueued {
			return decision, newRequest(agent, t, t.Branch, false), nil
		}
		if i == 0 {
			first = decision
		}
	}
	return first, queue.EnqueueRequest{}, nil
}

func (d *Dispatcher) decideManual(t Trigger) (Decision, queue.EnqueueRequest, error) {
	var (
		agent registry.Agent
		ok    bool
	)
	switch {
	case t.AgentNameOverride != "":
		agent, ok = d.registry.ByName(t.AgentNameOverride)
	case t.SourceRepo != "":
		if matches := d.registry.BySourceRepo(t.SourceRepo); len(matches) > 0 {
			agent, ok = matches[0], true
		}
	default:
		return Decision{}, queue.EnqueueRequest{}, fmt.Errorf("%w: manual trigger requires an agent name", ErrInvalidTrigger)
	}
	if !ok {
		return Decision{Outcome: OutcomeUnknownAgent, Agent: t.AgentNameOverride, Branch: t.Branch}, queue.EnqueueRequest{}, nil
	}

	branch := strings.TrimSpace(t.Branch)
	if branch == "" {
		branch = agent.DefaultBranch()
	}
	return Decision{Outcome: OutcomeEnqueued, Agent: agent.Name, Branch: branch}, newRequest(agent, t, branch, true), nil
}

func newRequest(agent registry.Agent, t Trigger, branch string, manual bool) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		AgentName:         agent.Name,
		SourceRepo:        agent.SourceRepo,
		Branch:            branch,
		CommitRef:         t.CommitRef,
		CommitMessage:     t.CommitMessage,
		TriggeredManually: manual,
	}
}
