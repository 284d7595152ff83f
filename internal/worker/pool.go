// Package worker runs the fixed-size pool that claims deploy jobs, executes
// them in disposable workspaces and reports the outcome back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/shipyard/internal/deploy"
	"github.com/mattjoyce/shipyard/internal/events"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/workspace"
)

const ackTimeout = 30 * time.Second

// Options tune the pool.
type Options struct {
	Concurrency    int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	Credentials    map[string]string
}

// Pool is a fixed set of workers sharing one queue.
type Pool struct {
	opts       Options
	queue      QueueService
	executor   deploy.Executor
	workspaces workspace.Manager
	events     events.Publisher
	logger     *slog.Logger
	idPrefix   string
	now        func() time.Time
}

// New creates a Pool. pub may be nil.
func New(opts Options, q QueueService, exec deploy.Executor, ws workspace.Manager, pub events.Publisher, logger *slog.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Minute
	}
	if pub == nil {
		pub = events.Nop{}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "shipyard"
	}
	return &Pool{
		opts:       opts,
		queue:      q,
		executor:   exec,
		workspaces: ws,
		events:     pub,
		logger:     logger.With("component", "worker"),
		idPrefix:   fmt.Sprintf("%s:%d", host, os.Getpid()),
		now:        time.Now,
	}
}

// Concurrency returns the number of workers Run starts.
func (p *Pool) Concurrency() int { return p.opts.Concurrency }

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight attempt has been acknowledged.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", p.opts.Concurrency, "executor", p.executor.Name())
	defer p.logger.Info("worker pool stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.opts.Concurrency; i++ {
		workerID := fmt.Sprintf("%s/w%d", p.idPrefix, i)
		g.Go(func() error {
			p.loop(gctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

// loop drains the queue, then waits for the next poll tick.
func (p *Pool) loop(ctx context.Context, workerID string) {
	logger := p.logger.With("worker_id", workerID)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			processed, err := p.ProcessNext(ctx, workerID)
			if err != nil {
				// Keep the loop alive; a broken queue is retried next tick.
				logger.Error("failed to process job", "error", err)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job was claimed.
func (p *Pool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	p.execute(ctx, workerID, job)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, workerID string, job *queue.Job) {
	logger := p.logger.With(
		"job_id", job.ID,
		"agent", job.AgentName,
		"branch", job.Branch,
		"attempt", job.AttemptsMade,
		"worker_id", workerID,
	)
	logger.Info("deploy attempt started")
	p.events.Publish(events.JobClaimed, events.JobEvent{
		JobID:    job.ID,
		Agent:    job.AgentName,
		Branch:   job.Branch,
		State:    string(queue.StateActive),
		Attempt:  job.AttemptsMade,
		WorkerID: workerID,
	})

	// Shutdown stops new claims but lets the running attempt finish within
	// its own timeout.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.AttemptTimeout)
	defer cancel()

	start := p.now()
	var res deploy.Result
	err := workspace.With(attemptCtx, p.workspaces, job.ID, job.AttemptsMade, func(ws workspace.Workspace) error {
		var derr error
		res, derr = p.deploy(attemptCtx, deploy.Request{
			JobID:         job.ID,
			Attempt:       job.AttemptsMade,
			AgentName:     job.AgentName,
			SourceRepo:    job.SourceRepo,
			Branch:        job.Branch,
			CommitRef:     job.CommitRef,
			WorkspacePath: ws.Dir,
			Credentials:   p.opts.Credentials,
		})
		return derr
	})
	if errors.Is(err, workspace.ErrReleaseFailed) {
		logger.Error("deploy succeeded but workspace cleanup failed", "error", err)
		err = nil
	}
	elapsed := p.now().Sub(start)

	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer ackCancel()

	if err == nil {
		result := queue.Result{
			PublishedLocation: res.PublishedLocation,
			Executor:          p.executor.Name(),
			DurationMS:        elapsed.Milliseconds(),
			Output:            res.Output,
		}
		if ackErr := p.queue.AcknowledgeSuccess(ackCtx, job.ID, job.ClaimToken, result); ackErr != nil {
			p.logAckError(logger, ackErr)
			return
		}
		logger.Info("deploy attempt succeeded", "published_location", res.PublishedLocation, "duration", elapsed)
		p.events.Publish(events.JobCompleted, events.JobEvent{
			JobID:             job.ID,
			Agent:             job.AgentName,
			Branch:            job.Branch,
			State:             string(queue.StateCompleted),
			Attempt:           job.AttemptsMade,
			WorkerID:          workerID,
			PublishedLocation: res.PublishedLocation,
		})
		return
	}

	reason := p.failureReason(attemptCtx, err)
	after, ackErr := p.queue.AcknowledgeFailure(ackCtx, job.ID, job.ClaimToken, reason)
	if ackErr != nil {
		p.logAckError(logger, ackErr)
		return
	}

	ev := events.JobEvent{
		JobID:    job.ID,
		Agent:    job.AgentName,
		Branch:   job.Branch,
		State:    string(after.State),
		Attempt:  after.AttemptsMade,
		WorkerID: workerID,
		Reason:   reason,
	}
	switch after.State {
	case queue.StateFailed:
		logger.Error("deploy failed permanently", "reason", reason, "attempts", after.AttemptsMade)
		p.events.Publish(events.JobFailed, ev)
	default:
		ev.RetryAt = after.AvailableAt.Format(time.RFC3339)
		logger.Warn("deploy attempt failed, retry scheduled", "reason", reason, "retry_at", after.AvailableAt)
		p.events.Publish(events.JobRetryScheduled, ev)
	}
}

// deploy shields the pool from executor panics.
func (p *Pool) deploy(ctx context.Context, req deploy.Request) (res deploy.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = deploy.Failf("executor panicked: %v", r)
		}
	}()
	return p.executor.Deploy(ctx, req)
}

func (p *Pool) failureReason(attemptCtx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("deployment timed out after %s", p.opts.AttemptTimeout)
	}
	return deploy.ReasonOf(err)
}

func (p *Pool) logAckError(logger *slog.Logger, err error) {
	if errors.Is(err, queue.ErrClaimLost) {
		// Another worker owns the job now; its outcome wins.
		logger.Warn("claim lost before acknowledgement, outcome discarded", "error", err)
		return
	}
	logger.Error("failed to acknowledge job", "error", err)
}
