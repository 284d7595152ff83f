// Package status is the read-only projection of a deploy job that pollers see.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/shipyard/internal/queue"
)

// ErrNotFound is returned for unknown or purged job ids.
var ErrNotFound = errors.New("job not found")

// Reader is the slice of the queue the projection reads. Snapshot returns a
// job and its attempts as of a single point in time.
type Reader interface {
	Snapshot(ctx context.Context, jobID string) (*queue.Job, []queue.Attempt, error)
}

// View is the status of one job as reported to callers.
type View struct {
	ID           string        `json:"id"`
	State        queue.State   `json:"state"`
	AttemptsMade int           `json:"attempts_made"`
	MaxAttempts  int           `json:"max_attempts"`
	Result       *queue.Result `json:"result,omitempty"`
	// FailureReason is set only while the job is failed or waiting out a backoff.
	FailureReason string `json:"failure_reason,omitempty"`

	Agent             string     `json:"agent"`
	SourceRepo        string     `json:"source_repo"`
	Branch            string     `json:"branch"`
	CommitRef         string     `json:"commit_ref,omitempty"`
	TriggeredManually bool       `json:"triggered_manually"`
	EnqueuedAt        time.Time  `json:"enqueued_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`

	Attempts []AttemptView `json:"attempts,omitempty"`
}

// AttemptView is one finished attempt.
type AttemptView struct {
	Number     int       `json:"number"`
	WorkerID   string    `json:"worker_id"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Terminal reports whether the job can no longer change.
func (v View) Terminal() bool { return v.State.Terminal() }

// Service answers status queries. It never writes.
type Service struct {
	reader Reader
}

func NewService(r Reader) *Service {
	return &Service{reader: r}
}

// Get returns the current view of jobID, or ErrNotFound.
func (s *Service) Get(ctx context.Context, jobID string) (*View, error) {
	job, attempts, err := s.reader.Snapshot(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	v := Project(job)
	for _, a := range attempts {
		v.Attempts = append(v.Attempts, AttemptView{
			Number:     a.Number,
			WorkerID:   a.WorkerID,
			Outcome:    a.Outcome,
			Reason:     a.Reason,
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
		})
	}
	return v, nil
}

// Project maps a job record onto its public view, without attempt history.
func Project(job *queue.Job) *View {
	v := &View{
		ID:                job.ID,
		State:             job.State,
		AttemptsMade:      job.AttemptsMade,
		MaxAttempts:       job.MaxAttempts,
		Agent:             job.AgentName,
		SourceRepo:        job.SourceRepo,
		Branch:            job.Branch,
		CommitRef:         job.CommitRef,
		TriggeredManually: job.TriggeredManually,
		EnqueuedAt:        job.EnqueuedAt,
		UpdatedAt:         job.UpdatedAt,
		StartedAt:         job.StartedAt,
		CompletedAt:       job.CompletedAt,
	}

	switch job.State {
	case queue.StateCompleted:
		v.Result = job.Result
	case queue.StateFailed:
		v.FailureReason = job.FailureReason
	case queue.StateDelayedRetry:
		v.FailureReason = job.FailureReason
		next := job.AvailableAt
		v.NextAttemptAt = &next
	}
	return v
}
