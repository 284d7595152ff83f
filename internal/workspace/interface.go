package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrReleaseFailed marks an error from removing a workspace after the work
// inside it succeeded.
var ErrReleaseFailed = errors.New("workspace release failed")

// Workspace is a disposable directory owned by exactly one deploy attempt.
type Workspace struct {
	JobID   string
	Attempt int
	Dir     string
}

// CleanupReport summarizes a stale-workspace sweep.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs per-attempt workspace lifecycle.
type Manager interface {
	// Acquire creates a fresh, empty, uniquely named directory for one attempt.
	Acquire(ctx context.Context, jobID string, attempt int) (Workspace, error)

	// Release removes the workspace and everything in it. Releasing an
	// already-removed workspace is not an error.
	Release(ws Workspace) error

	// Cleanup removes workspaces older than olderThan, left behind by crashed processes.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}

// With acquires a workspace, runs fn in it, and releases it on every exit
// path including panics. A release error is returned, wrapped in
// ErrReleaseFailed, only when fn succeeded.
func With(ctx context.Context, m Manager, jobID string, attempt int, fn func(Workspace) error) (err error) {
	ws, err := m.Acquire(ctx, jobID, attempt)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(ws); rerr != nil && err == nil {
			err = fmt.Errorf("%w: %v", ErrReleaseFailed, rerr)
		}
	}()
	return fn(ws)
}
