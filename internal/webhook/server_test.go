package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shipyard/internal/config"
	"github.com/mattjoyce/shipyard/internal/dispatch"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/registry"
	"github.com/mattjoyce/shipyard/internal/storage"
)

const testSecret = "test-secret"

// mockDispatcher records triggers and returns a fixed decision.
type mockDispatcher struct {
	calls    []dispatch.Trigger
	decision dispatch.Decision
	err      error
}

func (m *mockDispatcher) Dispatch(_ context.Context, t dispatch.Trigger) (dispatch.Decision, error) {
	m.calls = append(m.calls, t)
	return m.decision, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newServer(d Dispatcher, maxBody int64) *Server {
	return New(Config{
		Listen: "127.0.0.1:0",
		Endpoints: []EndpointConfig{{
			Path:        "/webhook/github",
			Secret:      testSecret,
			MaxBodySize: maxBody,
		}},
	}, d, testLogger())
}

func pushBody(ref string) []byte {
	return []byte(`{
  "ref": "` + ref + `",
  "after": "4f2a9c1e8b7d6a5f4e3d2c1b0a9f8e7d6c5b4a39",
  "repository": {"full_name": "acme/otis", "name": "otis", "owner": {"login": "acme"}},
  "head_commit": {"id": "4f2a9c1e8b7d6a5f4e3d2c1b0a9f8e7d6c5b4a39", "message": "Fix header\n\nLonger body"}
}`)
}

func deliver(s *Server, event string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(DefaultSignatureHeader, signature)
	}
	if event != "" {
		req.Header.Set(EventHeader, event)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func sign(body []byte) string {
	return formatGitHubSignature(computeExpectedSignature(body, testSecret))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHandleWebhook_PushEnqueued(t *testing.T) {
	d := &mockDispatcher{decision: dispatch.Decision{
		Outcome: dispatch.OutcomeEnqueued, JobID: "job-123", Agent: "otis", Branch: "main",
	}}
	s := newServer(d, 0)

	body := pushBody("refs/heads/main")
	rec := deliver(s, "push", body, sign(body))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "enqueued", resp.Outcome)
	assert.Equal(t, "job-123", resp.JobID)

	require.Len(t, d.calls, 1)
	got := d.calls[0]
	assert.Equal(t, dispatch.EventPush, got.EventType)
	assert.Equal(t, "acme/otis", got.SourceRepo)
	assert.Equal(t, "main", got.Branch)
	assert.Equal(t, "4f2a9c1e8b7d6a5f4e3d2c1b0a9f8e7d6c5b4a39", got.CommitRef)
	assert.Equal(t, "Fix header", got.CommitMessage)
}

func TestHandleWebhook_RejectionIsOK(t *testing.T) {
	d := &mockDispatcher{decision: dispatch.Decision{Outcome: dispatch.OutcomeBranchNotEligible, Agent: "otis", Branch: "staging"}}
	s := newServer(d, 0)

	body := pushBody("refs/heads/staging")
	rec := deliver(s, "push", body, sign(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "branch_not_eligible", resp.Outcome)
	assert.Empty(t, resp.JobID)
}

func TestHandleWebhook_Signatures(t *testing.T) {
	body := pushBody("refs/heads/main")
	tests := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong", formatGitHubSignature(strings.Repeat("0", 64))},
		{"other secret", formatGitHubSignature(computeExpectedSignature(body, "other"))},
		{"malformed", "sha256=zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{}
			rec := deliver(newServer(d, 0), "push", body, tt.signature)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Contains(t, rec.Body.String(), "forbidden")
			assert.Empty(t, d.calls)
		})
	}
}

func TestHandleWebhook_PlainHexSignature(t *testing.T) {
	d := &mockDispatcher{decision: dispatch.Decision{Outcome: dispatch.OutcomeEnqueued, JobID: "j"}}
	body := pushBody("refs/heads/main")
	rec := deliver(newServer(d, 0), "", body, computeExpectedSignature(body, testSecret))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleWebhook_Ignored(t *testing.T) {
	deleted := []byte(`{"ref":"refs/heads/main","after":"0000000000000000000000000000000000000000","deleted":true,"repository":{"full_name":"acme/otis"}}`)

	tests := []struct {
		name   string
		event  string
		body   []byte
		reason string
	}{
		{"tag push", "push", pushBody("refs/tags/v1.2.0"), "tag push"},
		{"branch deletion", "push", deleted, "branch deleted"},
		{"other event", "issues", []byte(`{}`), "event issues"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{}
			rec := deliver(newServer(d, 0), tt.event, tt.body, sign(tt.body))
			assert.Equal(t, http.StatusAccepted, rec.Code)
			resp := decode(t, rec)
			assert.Equal(t, OutcomeIgnored, resp.Outcome)
			assert.Equal(t, tt.reason, resp.Reason)
			assert.Empty(t, d.calls)
		})
	}
}

func TestHandleWebhook_Ping(t *testing.T) {
	d := &mockDispatcher{}
	body := []byte(`{"zen":"Design for failure."}`)
	rec := deliver(newServer(d, 0), "ping", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OutcomePong, decode(t, rec).Outcome)
	assert.Empty(t, d.calls)
}

func TestHandleWebhook_Malformed(t *testing.T) {
	for _, body := range [][]byte{[]byte(`not json`), []byte(`{"ref":"refs/heads/main"}`)} {
		d := &mockDispatcher{}
		rec := deliver(newServer(d, 0), "push", body, sign(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, d.calls)
	}
}

func TestHandleWebhook_BodyTooLarge(t *testing.T) {
	d := &mockDispatcher{}
	body := pushBody("refs/heads/main")
	rec := deliver(newServer(d, 32), "push", body, sign(body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, d.calls)
}

func TestHandleWebhook_DispatchError(t *testing.T) {
	d := &mockDispatcher{err: errors.New("database is locked")}
	body := pushBody("refs/heads/main")
	rec := deliver(newServer(d, 0), "push", body, sign(body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleWebhook_UnknownPath(t *testing.T) {
	s := newServer(&mockDispatcher{}, 0)
	req := httptest.NewRequest(http.MethodPost, "/webhook/gitlab", nil)
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParsePushOwnerFallback(t *testing.T) {
	p, err := parsePush([]byte(`{"ref":"refs/heads/main","after":"abc","repository":{"name":"otis","owner":{"name":"acme"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "acme/otis", p.Repo)
	assert.Equal(t, "abc", p.CommitRef)
	assert.Empty(t, p.Ignore)
}

func TestFromGlobalConfig(t *testing.T) {
	cfg, err := FromGlobalConfig(&config.WebhooksConfig{
		Listen: "0.0.0.0:8081",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/webhook/github", Secret: "s3cret", MaxBodySize: "512KiB"},
		},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, int64(512*1024), cfg.Endpoints[0].MaxBodySize)
	assert.Equal(t, DefaultSignatureHeader, cfg.Endpoints[0].SignatureHeader)

	_, err = FromGlobalConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x"}}})
	assert.ErrorContains(t, err, "no secret")

	_, err = FromGlobalConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x", Secret: "s", MaxBodySize: "lots"}}})
	assert.ErrorContains(t, err, "invalid max_body_size")

	_, err = FromGlobalConfig(nil)
	assert.Error(t, err)
}

func TestParseMaxBodySize(t *testing.T) {
	n, err := parseMaxBodySize("")
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultMaxBodySize), n)

	n, err = parseMaxBodySize("1MiB")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), n)

	n, err = parseMaxBodySize("2048")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), n)

	_, err = parseMaxBodySize("0")
	assert.Error(t, err)
	_, err = parseMaxBodySize("5GiB")
	assert.Error(t, err)
}

// End to end through the real dispatcher and queue.
func TestHandleWebhook_RealDispatcher(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "shipyard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg, err := registry.New([]registry.Agent{
		{Name: "otis", SourceRepo: "acme/otis", AutoDeploy: true, AllowedBranches: []string{"main"}},
	})
	require.NoError(t, err)
	q := queue.New(db)
	s := newServer(dispatch.New(reg, q, nil), 0)

	body := pushBody("refs/heads/main")
	rec := deliver(s, "push", body, sign(body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode(t, rec)

	job, err := q.GetByID(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, "otis", job.AgentName)
	assert.Equal(t, "Fix header", job.CommitMessage)

	body = pushBody("refs/heads/staging")
	rec = deliver(s, "push", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "branch_not_eligible", decode(t, rec).Outcome)
}
