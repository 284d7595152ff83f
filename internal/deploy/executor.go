// Package deploy runs the external deployment step for one job attempt.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mattjoyce/shipyard/internal/config"
)

// Request is everything an executor needs for one attempt.
type Request struct {
	JobID         string
	Attempt       int
	AgentName     string
	SourceRepo    string
	Branch        string
	CommitRef     string
	WorkspacePath string
	Credentials   map[string]string
}

// Result is a successful deployment.
type Result struct {
	PublishedLocation string
	Output            string
}

// Executor materializes a deployment from source to a published location.
// Implementations must tolerate being re-run for the same commit.
type Executor interface {
	Name() string
	Deploy(ctx context.Context, req Request) (Result, error)
}

// Failure is an expected deployment failure with an operator-facing reason.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

// Failf builds a *Failure.
func Failf(format string, args ...any) *Failure {
	return &Failure{Reason: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the failure reason from any executor error.
func ReasonOf(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return err.Error()
}

// New builds the executor selected by cfg.Kind.
func New(cfg config.ExecutorConfig) (Executor, error) {
	switch cfg.Kind {
	case "", "command":
		return NewCommandExecutor(cfg), nil
	case "docker":
		return NewDockerExecutor(cfg)
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}

// expand fills {agent}, {branch}, {repo}, {commit} and {job} in tpl.
func expand(tpl string, req Request) string {
	return strings.NewReplacer(
		"{agent}", req.AgentName,
		"{branch}", req.Branch,
		"{repo}", req.SourceRepo,
		"{commit}", req.CommitRef,
		"{job}", req.JobID,
	).Replace(tpl)
}

// environment returns KEY=VALUE pairs describing the attempt, followed by
// configured env and credentials, each group sorted by key.
func environment(req Request, extra map[string]string, workspace string) []string {
	env := []string{
		"SHIPYARD_JOB_ID=" + req.JobID,
		"SHIPYARD_ATTEMPT=" + strconv.Itoa(req.Attempt),
		"SHIPYARD_AGENT=" + req.AgentName,
		"SHIPYARD_REPO=" + req.SourceRepo,
		"SHIPYARD_BRANCH=" + req.Branch,
		"SHIPYARD_COMMIT=" + req.CommitRef,
		"SHIPYARD_WORKSPACE=" + workspace,
	}
	env = append(env, sortedPairs(extra)...)
	return append(env, sortedPairs(req.Credentials)...)
}

func sortedPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\r\n\t "), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// publishedLocation prefers the step's own report over the configured template.
func publishedLocation(stdout, tpl string, req Request) (string, error) {
	if loc := lastLine(stdout); loc != "" {
		return loc, nil
	}
	if tpl != "" {
		return expand(tpl, req), nil
	}
	return "", Failf("publish step reported no location and executor.published_location is not set")
}

const maxOutputBytes = 64 * 1024

func truncate(s string) string {
	if len(s) > maxOutputBytes {
		return s[len(s)-maxOutputBytes:]
	}
	return s
}
