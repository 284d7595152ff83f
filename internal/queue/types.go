package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle position of a deploy job.
type State string

const (
	StateWaiting      State = "waiting"
	StateActive       State = "active"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateDelayedRetry State = "delayed_retry"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateWaiting, StateActive, StateDelayedRetry, StateCompleted, StateFailed}

// Job is one deployment request and its attempt bookkeeping.
type Job struct {
	ID                string
	AgentName         string
	SourceRepo        string
	Branch            string
	CommitRef         string
	CommitMessage     string
	TriggeredManually bool

	State        State
	AttemptsMade int
	MaxAttempts  int

	EnqueuedAt  time.Time
	UpdatedAt   time.Time
	AvailableAt time.Time

	// Claim fields are set only while State is active.
	ClaimedBy      string
	ClaimToken     string
	ClaimExpiresAt *time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time

	// Result is present only when State is completed.
	Result *Result
	// FailureReason is the most recent attempt's failure, kept while delayed_retry or failed.
	FailureReason string
}

// Result is the outcome payload of a successful deploy.
type Result struct {
	PublishedLocation string `json:"published_location"`
	Executor          string `json:"executor,omitempty"`
	DurationMS        int64  `json:"duration_ms"`
	// Output is the tail of the executor's combined output.
	Output string `json:"output,omitempty"`
}

// EnqueueRequest is the validated shape accepted by Enqueue.
type EnqueueRequest struct {
	AgentName         string
	SourceRepo        string
	Branch            string
	CommitRef         string
	CommitMessage     string
	TriggeredManually bool
}

// Validate checks required fields at the queue boundary.
func (r EnqueueRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.AgentName) == "" {
		missing = append(missing, "agent_name")
	}
	if strings.TrimSpace(r.SourceRepo) == "" {
		missing = append(missing, "source_repo")
	}
	if strings.TrimSpace(r.Branch) == "" {
		missing = append(missing, "branch")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidJob, strings.Join(missing, ", "))
	}
	return nil
}

// Attempt is one row of a job's attempt history.
type Attempt struct {
	JobID      string
	Number     int
	WorkerID   string
	Outcome    string
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Attempt outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
)

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	Promoted  int
	Requeued  []string
	Exhausted []string
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrClaimLost means the acknowledging worker no longer holds the job's claim.
	ErrClaimLost  = errors.New("claim lost")
	ErrInvalidJob = errors.New("invalid job")
)
