package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/shipyard/internal/config"
	"github.com/mattjoyce/shipyard/internal/dispatch"
	"github.com/mattjoyce/shipyard/internal/inspect"
	"github.com/mattjoyce/shipyard/internal/log"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/status"
	"github.com/mattjoyce/shipyard/internal/tui/watch"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large outputs cannot fill the pipe.
	outCh := make(chan []byte, 1)
	errCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); outCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); errCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdout, stderr := <-outCh, <-errCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdout), string(stderr)
}

func runCaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built

	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

// writeTestConfig writes a config whose state lives in its own temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	body := `
service:
  log_level: error
state:
  path: ` + filepath.Join(dir, "data", "shipyard.db") + `
executor:
  kind: command
  clone_url: ""
  publish_command: "echo /srv/www/$SHIPYARD_AGENT"
  published_location: "/srv/www/{agent}"
agents:
  - name: otis
    source_repo: acme/otis
    auto_deploy: true
    allowed_branches: [main, develop]
  - name: harold
    source_repo: acme/harold
    auto_deploy: false
    allowed_branches: [release]
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunCLIUsage(t *testing.T) {
	code, stdout, _ := runCaptured(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "job trigger <agent>")

	code, _, _ = runCaptured(t)
	assert.Equal(t, 1, code)

	code, _, stderr := runCaptured(t, "bogus")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: bogus")

	code, stdout, _ = runCaptured(t, "job", "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "status, trigger, watch")

	code, _, stderr = runCaptured(t, "job", "explode")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown job action")
}

func TestRunVersion(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-03-01T10:20:30+02:00")

	code, stdout, _ := runCaptured(t, "version")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "shipyard 1.2.3")
	assert.Contains(t, stdout, "commit: 0123456789ab")
	assert.Contains(t, stdout, "built_at: 2026-03-01T08:20:30Z")

	code, stdout, _ = runCaptured(t, "version", "--json")
	require.Equal(t, 0, code)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, versionInfo{Version: "1.2.3", Commit: "0123456789ab", BuildTime: "2026-03-01T08:20:30Z"}, info)

	code, _, stderr := runCaptured(t, "version", "extra")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: shipyard version")
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	_, ok := normalizeBuildTimeUTC("unknown")
	assert.False(t, ok)
	_, ok = normalizeBuildTimeUTC("yesterday")
	assert.False(t, ok)
	got, ok := normalizeBuildTimeUTC("2026-01-02T03:04:05.999Z")
	assert.True(t, ok)
	assert.Equal(t, "2026-01-02T03:04:05Z", got)
}

func TestConfigCheck(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, stderr := runCaptured(t, "config", "check", "--config", cfgPath)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Configuration valid")

	code, stdout, _ = runCaptured(t, "config", "check", "--config", cfgPath, "--json")
	require.Equal(t, 0, code)
	var result struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.True(t, result.Valid)
}

func TestConfigCheckReportsLoadErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_attempts: 0\n"), 0o644))

	code, stdout, _ := runCaptured(t, "config", "check", "--config", path, "--json")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "max_attempts")
}

func TestConfigLock(t *testing.T) {
	cfgPath := writeTestConfig(t)
	checksums := config.ChecksumPath(cfgPath)

	code, stdout, _ := runCaptured(t, "config", "lock", "--config", cfgPath, "--dry-run")
	require.Equal(t, 0, code)
	assert.Regexp(t, regexp.MustCompile(`HASH .*config\.yaml: [a-f0-9]{64}`), stdout)
	assert.Contains(t, stdout, "DRY-RUN")
	assert.NoFileExists(t, checksums)

	code, stdout, _ = runCaptured(t, "config", "lock", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Wrote")
	assert.FileExists(t, checksums)

	// A modified file is refused until relocked.
	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr := runCaptured(t, "config", "show", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "hash mismatch")
}

func TestConfigShow(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, _ := runCaptured(t, "config", "show", "--config", cfgPath)
	require.Equal(t, 0, code)

	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &shown))
	assert.Equal(t, 3, shown.Queue.MaxAttempts)
	assert.Equal(t, 15*time.Minute, shown.Queue.VisibilityTimeout)
	assert.Len(t, shown.Agents, 2)
}

func TestConfigTokenWithScopes(t *testing.T) {
	code, stdout, _ := runCaptured(t, "config", "token", "--scopes", "deploy:rw, events:ro")
	require.Equal(t, 0, code)

	body := strings.SplitN(stdout, "\n", 2)[1]
	var tokens []config.APIToken
	require.NoError(t, yaml.Unmarshal([]byte(body), &tokens))
	require.Len(t, tokens, 1)
	assert.Len(t, tokens[0].Token, 64)
	assert.Equal(t, []string{"deploy:rw", "events:ro"}, tokens[0].Scopes)

	code, _, stderr := runCaptured(t, "config", "token", "--scopes", "admin:all")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown scope")
}

func TestAgentList(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, _ := runCaptured(t, "agent", "list", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "NAME")
	assert.Contains(t, stdout, "acme/otis")
	assert.Contains(t, stdout, "main,develop")
	assert.Contains(t, stdout, "harold")
}

func TestJobTriggerThenStatus(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, stderr := runCaptured(t, "job", "trigger", "harold", "--config", cfgPath, "--commit", "abc123", "--json")
	require.Equal(t, 0, code, "stderr: %s", stderr)

	var decision dispatch.Decision
	require.NoError(t, json.Unmarshal([]byte(stdout), &decision))
	assert.Equal(t, dispatch.OutcomeEnqueued, decision.Outcome)
	assert.Equal(t, "release", decision.Branch, "manual trigger uses the default branch")
	require.NotEmpty(t, decision.JobID)

	code, stdout, _ = runCaptured(t, "job", "status", decision.JobID, "--config", cfgPath, "--json")
	require.Equal(t, 0, code)

	var report inspect.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, string(queue.StateWaiting), report.State)
	assert.Equal(t, "harold", report.Agent)
	assert.Equal(t, "abc123", report.CommitRef)
	assert.Equal(t, "0/3", report.Attempts)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, "manual", report.Steps[0].Detail)

	code, stdout, _ = runCaptured(t, "job", "status", decision.JobID, "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "State       : waiting")
	assert.Contains(t, stdout, "Source      : acme/harold@release")

	code, stdout, _ = runCaptured(t, "system", "status", "--config", cfgPath, "--json")
	require.Equal(t, 0, code)
	var st systemStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.False(t, st.Running)
	assert.Equal(t, 1, st.QueueDepth["waiting"])
}

func TestJobTriggerUnknownAgent(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, _ := runCaptured(t, "job", "trigger", "ghost", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "Not enqueued: unknown_agent")

	code, stdout, _ = runCaptured(t, "system", "status", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Regexp(t, regexp.MustCompile(`waiting\s+0`), stdout)
}

func TestJobStatusNotFound(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, _, stderr := runCaptured(t, "job", "status", "no-such-job", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Job not found")

	code, _, stderr = runCaptured(t, "job", "status", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage")
}

func TestServiceRunsTriggeredJobToCompletion(t *testing.T) {
	cfgPath := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	cfg.Workers.PollInterval = 10 * time.Millisecond
	cfg.Queue.SweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := buildService(ctx, cfg, log.Discard())
	require.NoError(t, err)
	defer svc.db.Close()
	assert.Nil(t, svc.api, "api is disabled by default")
	assert.Nil(t, svc.webhooks)

	decision, err := svc.dispatcher.Dispatch(ctx, dispatch.Trigger{
		EventType:         dispatch.EventManual,
		AgentNameOverride: "otis",
	})
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeEnqueued, decision.Outcome)

	done := make(chan error, 1)
	go func() { done <- svc.run(ctx) }()

	statusSvc := status.NewService(svc.queue)
	require.Eventually(t, func() bool {
		v, err := statusSvc.Get(ctx, decision.JobID)
		return err == nil && v.State == queue.StateCompleted
	}, 10*time.Second, 20*time.Millisecond)

	v, err := statusSvc.Get(ctx, decision.JobID)
	require.NoError(t, err)
	require.NotNil(t, v.Result)
	assert.Equal(t, "/srv/www/otis", v.Result.PublishedLocation)
	assert.Equal(t, 1, v.AttemptsMade)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop after cancel")
	}
}

func TestWatchExitCode(t *testing.T) {
	assert.Equal(t, 1, watchExitCode(watch.New(watch.Options{JobID: "x"})))
}
