package sweeper

import (
	"context"
	"time"

	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/shipyard/internal/sweeper QueueService

// QueueService is the queue maintenance surface the sweeper drives.
type QueueService interface {
	Sweep(ctx context.Context) (queue.SweepReport, error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// WorkspaceCleaner removes workspaces abandoned by crashed processes.
type WorkspaceCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (workspace.CleanupReport, error)
}
