package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shipyard/internal/events"
	"github.com/mattjoyce/shipyard/internal/log"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/registry"
	"github.com/mattjoyce/shipyard/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Agent{
		{Name: "otis", SourceRepo: "acme/otis", AutoDeploy: true, AllowedBranches: []string{"main"}},
		{Name: "harold", SourceRepo: "acme/harold", AutoDeploy: false, AllowedBranches: []string{"main"}},
	})
	require.NoError(t, err)
	return reg
}

func setupDispatcher(t *testing.T) (*Dispatcher, *queue.Queue, *recordingPublisher) {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "shipyard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db)
	pub := &recordingPublisher{}
	return New(testRegistry(t), q, pub), q, pub
}

func totalJobs(t *testing.T, q *queue.Queue) int {
	t.Helper()
	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	n := 0
	for _, c := range depth {
		n += c
	}
	return n
}

func TestDispatchPushOnAllowedBranchEnqueues(t *testing.T) {
	d, q, pub := setupDispatcher(t)
	ctx := context.Background()

	decision, err := d.Dispatch(ctx, Trigger{
		EventType:     EventPush,
		SourceRepo:    "acme/otis",
		Branch:        "main",
		CommitRef:     "abc123",
		CommitMessage: "fix banner",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnqueued, decision.Outcome)
	assert.Equal(t, "otis", decision.Agent)
	require.NotEmpty(t, decision.JobID)

	job, err := q.GetByID(ctx, decision.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.Equal(t, "abc123", job.CommitRef)
	assert.Equal(t, "fix banner", job.CommitMessage)
	assert.False(t, job.TriggeredManually)

	assert.Equal(t, []string{events.JobEnqueued}, pub.types)
}

func TestDispatchRejections(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		want    Outcome
	}{
		{
			name:    "branch not eligible",
			trigger: Trigger{EventType: EventPush, SourceRepo: "acme/otis", Branch: "staging"},
			want:    OutcomeBranchNotEligible,
		},
		{
			name:    "unknown repository",
			trigger: Trigger{EventType: EventPush, SourceRepo: "acme/unknown", Branch: "main"},
			want:    OutcomeUnknownAgent,
		},
		{
			name:    "auto deploy disabled",
			trigger: Trigger{EventType: EventPush, SourceRepo: "acme/harold", Branch: "main"},
			want:    OutcomeAutoDeployDisabled,
		},
		{
			name:    "manual unknown agent",
			trigger: Trigger{EventType: EventManual, AgentNameOverride: "nobody"},
			want:    OutcomeUnknownAgent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, q, pub := setupDispatcher(t)
			ctx := context.Background()

			// Rejections are idempotent and never touch the queue.
			for i := 0; i < 2; i++ {
				decision, err := d.Dispatch(ctx, tt.trigger)
				require.NoError(t, err)
				assert.Equal(t, tt.want, decision.Outcome)
				assert.Empty(t, decision.JobID)
			}
			assert.Equal(t, 0, totalJobs(t, q))
			assert.Equal(t, []string{events.TriggerRejected, events.TriggerRejected}, pub.types)
		})
	}
}

func TestDispatchManualBypassesChecks(t *testing.T) {
	d, q, _ := setupDispatcher(t)
	ctx := context.Background()

	decision, err := d.Dispatch(ctx, Trigger{
		EventType:         EventManual,
		AgentNameOverride: "harold",
		Branch:            "release",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeEnqueued, decision.Outcome)

	job, err := q.GetByID(ctx, decision.JobID)
	require.NoError(t, err)
	assert.Equal(t, "harold", job.AgentName)
	assert.Equal(t, "release", job.Branch)
	assert.Equal(t, "acme/harold", job.SourceRepo)
	assert.True(t, job.TriggeredManually)
}

func TestDispatchManualDefaultsBranch(t *testing.T) {
	d, q, _ := setupDispatcher(t)
	ctx := context.Background()

	decision, err := d.Dispatch(ctx, Trigger{EventType: EventManual, AgentNameOverride: "otis"})
	require.NoError(t, err)

	job, err := q.GetByID(ctx, decision.JobID)
	require.NoError(t, err)
	assert.Equal(t, "main", job.Branch)
}

func TestDispatchPushPicksFirstEligibleAgent(t *testing.T) {
	reg, err := registry.New([]registry.Agent{
		{Name: "site-prod", SourceRepo: "acme/site", AutoDeploy: true, AllowedBranches: []string{"main"}},
		{Name: "site-preview", SourceRepo: "acme/site", AutoDeploy: true, AllowedBranches: []string{"preview"}},
	})
	require.NoError(t, err)

	enq := &fakeEnqueuer{}
	d := New(reg, enq, nil)

	decision, err := d.Dispatch(context.Background(), Trigger{EventType: EventPush, SourceRepo: "acme/site", Branch: "preview"})
	require.NoError(t, err)
	assert.Equal(t, "site-preview", decision.Agent)
	require.Len(t, enq.reqs, 1)

	decision, err = d.Dispatch(context.Background(), Trigger{EventType: EventPush, SourceRepo: "acme/site", Branch: "dev"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBranchNotEligible, decision.Outcome)
	assert.Equal(t, "site-prod", decision.Agent)
	assert.Len(t, enq.reqs, 1)
}

type fakeEnqueuer struct {
	reqs []queue.EnqueueRequest
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req queue.EnqueueRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return "job-1", nil
}

func TestDispatchPropagatesQueueErrors(t *testing.T) {
	boom := errors.New("database is locked")
	d := New(testRegistry(t), &fakeEnqueuer{err: boom}, nil)

	_, err := d.Dispatch(context.Background(), Trigger{EventType: EventPush, SourceRepo: "acme/otis", Branch: "main"})
	assert.ErrorIs(t, err, boom)
}

func TestDispatchInvalidTriggers(t *testing.T) {
	d := New(testRegistry(t), &fakeEnqueuer{}, nil)

	for _, tr := range []Trigger{
		{EventType: "tag"},
		{EventType: EventPush, SourceRepo: "acme/otis"},
		{EventType: EventManual},
	} {
		_, err := d.Dispatch(context.Background(), tr)
		assert.ErrorIs(t, err, ErrInvalidTrigger)
	}
}
