// Package e2e drives shipyard from webhook delivery to a published deployment
// using the real queue, dispatcher, worker pool and HTTP surfaces.
package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shipyard/internal/api"
	"github.com/mattjoyce/shipyard/internal/config"
	"github.com/mattjoyce/shipyard/internal/deploy"
	"github.com/mattjoyce/shipyard/internal/dispatch"
	"github.com/mattjoyce/shipyard/internal/events"
	"github.com/mattjoyce/shipyard/internal/log"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/registry"
	"github.com/mattjoyce/shipyard/internal/status"
	"github.com/mattjoyce/shipyard/internal/storage"
	"github.com/mattjoyce/shipyard/internal/sweeper"
	"github.com/mattjoyce/shipyard/internal/webhook"
	"github.com/mattjoyce/shipyard/internal/worker"
	"github.com/mattjoyce/shipyard/internal/workspace"
)

const (
	adminKey      = "e2e-admin"
	webhookSecret = "e2e-webhook-secret"
)

// publishScript fails the first two attempts for the "flaky" agent.
const publishScript = `
if [ "$SHIPYARD_AGENT" = "flaky" ] && [ "$SHIPYARD_ATTEMPT" -lt 3 ]; then
  echo "attempt $SHIPYARD_ATTEMPT broke" >&2
  exit 1
fi
echo "artifact" > "$SHIPYARD_WORKSPACE/out.txt"
echo "/srv/www/$SHIPYARD_AGENT"
`

type harness struct {
	queue      *queue.Queue
	hub        *events.Hub
	apiURL     string
	webhookURL string
	wsDir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tmpDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := storage.OpenSQLite(ctx, filepath.Join(tmpDir, "shipyard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db,
		queue.WithRetryPolicy(queue.RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond}),
		queue.WithVisibilityTimeout(time.Minute),
	)

	reg, err := registry.New([]registry.Agent{
		{Name: "otis", SourceRepo: "acme/otis", AutoDeploy: true, AllowedBranches: []string{"main"}},
		{Name: "flaky", SourceRepo: "acme/flaky", AutoDeploy: false, AllowedBranches: []string{"main"}},
	})
	require.NoError(t, err)

	hub := events.NewHub(256)
	disp := dispatch.New(reg, q, hub)

	wsDir := filepath.Join(tmpDir, "workspaces")
	wsManager, err := workspace.NewFSManager(wsDir)
	require.NoError(t, err)

	exec := deploy.NewCommandExecutor(config.ExecutorConfig{
		Kind:           "command",
		PublishCommand: publishScript,
	})

	logger := log.Discard()
	pool := worker.New(worker.Options{
		Concurrency:    2,
		PollInterval:   10 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
	}, q, exec, wsManager, hub, logger)
	sw := sweeper.New(sweeper.Options{
		Interval:        10 * time.Millisecond,
		Retention:       time.Hour,
		WorkspaceMaxAge: time.Hour,
	}, q, wsManager, hub, logger)

	apiServer := api.New(api.Config{APIKey: adminKey, Workers: pool.Concurrency()},
		disp, status.NewService(q), q, reg, hub, logger)
	apiHTTP := httptest.NewServer(apiServer.Handler())
	t.Cleanup(apiHTTP.Close)

	whServer := webhook.New(webhook.Config{Endpoints: []webhook.EndpointConfig{{
		Path:   "/webhook/github",
		Secret: webhookSecret,
	}}}, disp, logger)
	whHTTP := httptest.NewServer(whServer.Handler())
	t.Cleanup(whHTTP.Close)

	done := make(chan struct{}, 2)
	go func() { _ = pool.Run(ctx); done <- struct{}{} }()
	go func() { _ = sw.Run(ctx); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		for i := 0; i < 2; i++ {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("background component did not stop")
			}
		}
	})

	return &harness{queue: q, hub: hub, apiURL: apiHTTP.URL, webhookURL: whHTTP.URL + "/webhook/github", wsDir: wsDir}
}

func (h *harness) push(t *testing.T, repo, ref string) (int, webhook.Response) {
	t.Helper()

	body := []byte(fmt.Sprintf(`{
  "ref": %q,
  "after": "4f2a9c1e8b7d6a5f4e3d2c1b0a9f8e7d6c5b4a39",
  "repository": {"full_name": %q},
  "head_commit": {"id": "4f2a9c1e8b7d6a5f4e3d2c1b0a9f8e7d6c5b4a39", "message": "Ship it"}
}`, ref, repo))

	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)

	req, err := http.NewRequest(http.MethodPost, h.webhookURL, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set(webhook.DefaultSignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out webhook.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) deploy(t *testing.T, agent string) (int, api.DeployResponse) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, h.apiURL+"/deploy/"+agent, bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out api.DeployResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) getJob(t *testing.T, jobID string) (int, status.View) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, h.apiURL+"/job/"+jobID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var v status.View
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	}
	return resp.StatusCode, v
}

func (h *harness) waitTerminal(t *testing.T, jobID string) status.View {
	t.Helper()

	var last status.View
	require.Eventually(t, func() bool {
		code, v := h.getJob(t, jobID)
		last = v
		return code == http.StatusOK && v.Terminal()
	}, 15*time.Second, 20*time.Millisecond, "job %s never finished", jobID)
	return last
}

func TestEndToEndPushDeploys(t *testing.T) {
	h := newHarness(t)
	completed, unsubscribe := h.hub.Subscribe(events.JobCompleted)
	defer unsubscribe()

	code, resp := h.push(t, "Acme/Otis", "refs/heads/main")
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, "enqueued", resp.Outcome)
	require.NotEmpty(t, resp.JobID)

	v := h.waitTerminal(t, resp.JobID)
	assert.Equal(t, queue.StateCompleted, v.State)
	require.NotNil(t, v.Result)
	assert.Equal(t, "/srv/www/otis", v.Result.PublishedLocation)
	assert.Equal(t, 1, v.AttemptsMade)
	assert.Equal(t, "4f2a9c1e8b7d6a5f4e3d2c1b0a9f8e7d6c5b4a39", v.CommitRef)
	assert.False(t, v.TriggeredManually)
	assert.Empty(t, v.FailureReason)

	select {
	case ev := <-completed:
		assert.Equal(t, "job.completed", ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no job.completed event")
	}

	// Workspaces are disposable; nothing survives a finished attempt.
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(h.wsDir)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEndToEndManualDeployRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)

	code, resp := h.deploy(t, "flaky")
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, dispatch.OutcomeEnqueued, resp.Outcome)
	assert.Equal(t, "main", resp.Branch)

	v := h.waitTerminal(t, resp.JobID)
	assert.Equal(t, queue.StateCompleted, v.State)
	assert.Equal(t, 3, v.AttemptsMade)
	assert.True(t, v.TriggeredManually)
	require.NotNil(t, v.Result)
	assert.Equal(t, "/srv/www/flaky", v.Result.PublishedLocation)

	require.Len(t, v.Attempts, 3)
	assert.Equal(t, queue.OutcomeFailed, v.Attempts[0].Outcome)
	assert.Contains(t, v.Attempts[0].Reason, "attempt 1 broke")
	assert.Equal(t, queue.OutcomeFailed, v.Attempts[1].Outcome)
	assert.Contains(t, v.Attempts[1].Reason, "attempt 2 broke")
	assert.Equal(t, queue.OutcomeSucceeded, v.Attempts[2].Outcome)
}

func TestEndToEndRejectionsLeaveQueueEmpty(t *testing.T) {
	h := newHarness(t)

	code, resp := h.push(t, "acme/otis", "refs/heads/feature-x")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(dispatch.OutcomeBranchNotEligible), resp.Outcome)

	code, resp = h.push(t, "acme/flaky", "refs/heads/main")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(dispatch.OutcomeAutoDeployDisabled), resp.Outcome)

	code, resp = h.push(t, "acme/unknown", "refs/heads/main")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(dispatch.OutcomeUnknownAgent), resp.Outcome)

	code, resp = h.push(t, "acme/otis", "refs/tags/v1.0.0")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, webhook.OutcomeIgnored, resp.Outcome)

	depth, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	for state, n := range depth {
		assert.Zero(t, n, "state %s", state)
	}

	code, _ = h.getJob(t, "does-not-exist")
	assert.Equal(t, http.StatusNotFound, code)
}
