package worker

import (
	"context"

	"github.com/mattjoyce/shipyard/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/shipyard/internal/worker QueueService

// QueueService is the claim/acknowledge surface workers use.
type QueueService interface {
	Claim(ctx context.Context, workerID string) (*queue.Job, error)
	AcknowledgeSuccess(ctx context.Context, jobID, token string, result queue.Result) error
	AcknowledgeFailure(ctx context.Context, jobID, token, reason string) (*queue.Job, error)
}
