// Package sweeper runs periodic queue maintenance: retry promotion, lost-claim
// expiry, retention pruning and stale workspace removal.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/shipyard/internal/events"
	"github.com/mattjoyce/shipyard/internal/queue"
)

// maintenanceEvery spaces the heavier prune and workspace passes.
const maintenanceEvery = time.Minute

// Options tune the sweeper.
type Options struct {
	Interval        time.Duration
	Retention       time.Duration
	WorkspaceMaxAge time.Duration
}

// Sweeper owns the maintenance tick loop.
type Sweeper struct {
	opts       Options
	queue      QueueService
	workspaces WorkspaceCleaner
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time

	lastMaintenance time.Time
}

// New creates a Sweeper. workspaces and pub may be nil.
func New(opts Options, q QueueService, workspaces WorkspaceCleaner, pub events.Publisher, logger *slog.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Sweeper{
		opts:       opts,
		queue:      q,
		workspaces: workspaces,
		events:     pub,
		logger:     logger.With("component", "sweeper"),
		now:        time.Now,
	}
}

// Run ticks until ctx is cancelled. The first pass runs immediately so claims
// orphaned by a previous crash are recovered at startup.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.opts.Interval)
	defer s.logger.Info("sweeper stopped")

	s.tick(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs a single maintenance pass. Errors are logged, never fatal.
func (s *Sweeper) tick(ctx context.Context) {
	report, err := s.queue.Sweep(ctx)
	if err != nil {
		s.logger.Error("queue sweep failed", "error", err)
	} else {
		s.publish(report)
	}

	now := s.now()
	if now.Sub(s.lastMaintenance) < maintenanceEvery {
		return
	}
	s.lastMaintenance = now

	if s.opts.Retention > 0 {
		pruned, err := s.queue.Prune(ctx, s.opts.Retention)
		if err != nil {
			s.logger.Error("failed to prune finished jobs", "error", err)
		} else if pruned > 0 {
			s.logger.Info("pruned finished jobs", "count", pruned, "retention", s.opts.Retention)
		}
	}

	if s.workspaces != nil && s.opts.WorkspaceMaxAge > 0 {
		cleaned, err := s.workspaces.Cleanup(ctx, s.opts.WorkspaceMaxAge)
		if err != nil {
			s.logger.Error("failed to clean stale workspaces", "error", err)
		} else if cleaned.DeletedDirs > 0 {
			s.logger.Warn("removed stale workspaces", "count", cleaned.DeletedDirs)
		}
	}
}

func (s *Sweeper) publish(report queue.SweepReport) {
	if report.Promoted > 0 {
		s.logger.Debug("promoted delayed retries", "count", report.Promoted)
	}
	for _, id := range report.Requeued {
		s.logger.Warn("claim expired, job requeued", "job_id", id)
		s.events.Publish(events.SweeperExpired, events.JobEvent{JobID: id, State: "waiting", Reason: "claim expired"})
	}
	for _, id := range report.Exhausted {
		s.logger.Error("claim expired on final attempt, job failed", "job_id", id)
		s.events.Publish(events.SweeperExpired, events.JobEvent{JobID: id, State: "failed", Reason: "claim expired"})
		s.events.Publish(events.JobFailed, events.JobEvent{JobID: id, State: "failed", Reason: "claim expired on final attempt"})
	}
}
