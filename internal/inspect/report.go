// Package inspect renders the attempt timeline of a single deploy job.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/shipyard/internal/status"
)

// Source is where job views come from.
type Source interface {
	Get(ctx context.Context, jobID string) (*status.View, error)
}

// Report is the structured JSON representation of a job timeline.
type Report struct {
	JobID             string `json:"job_id"`
	Agent             string `json:"agent"`
	SourceRepo        string `json:"source_repo"`
	Branch            string `json:"branch"`
	CommitRef         string `json:"commit_ref,omitempty"`
	State             string `json:"state"`
	Attempts          string `json:"attempts"`
	PublishedLocation string `json:"published_location,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
	Steps             []Step `json:"steps"`
}

// Step is one entry in the timeline.
type Step struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Attempt  int       `json:"attempt,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Duration string    `json:"duration,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Step kinds.
const (
	StepEnqueued  = "enqueued"
	StepAttempt   = "attempt"
	StepRetryDue  = "retry_due"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// BuildReport renders a terminal-friendly timeline for a job.
func BuildReport(ctx context.Context, src Source, jobID string) (string, error) {
	report, err := gatherReportData(ctx, src, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Agent       : %s\n", report.Agent)
	fmt.Fprintf(&out, "Source      : %s@%s\n", report.SourceRepo, report.Branch)
	fmt.Fprintf(&out, "Commit      : %s\n", renderUnset(report.CommitRef, "<branch head>"))
	fmt.Fprintf(&out, "State       : %s\n", report.State)
	fmt.Fprintf(&out, "Attempts    : %s\n", report.Attempts)
	if report.PublishedLocation != "" {
		fmt.Fprintf(&out, "Published   : %s\n", report.PublishedLocation)
	}
	if report.FailureReason != "" {
		fmt.Fprintf(&out, "Reason      : %s\n", report.FailureReason)
	}
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Steps {
		fmt.Fprintf(&out, "%s  %-10s", step.At.UTC().Format(time.RFC3339), step.Kind)
		if step.Attempt > 0 {
			fmt.Fprintf(&out, " #%d", step.Attempt)
		}
		if step.WorkerID != "" {
			fmt.Fprintf(&out, " on %s", step.WorkerID)
		}
		if step.Duration != "" {
			fmt.Fprintf(&out, " (%s)", step.Duration)
		}
		if step.Detail != "" {
			fmt.Fprintf(&out, " %s", step.Detail)
		}
		fmt.Fprintf(&out, "\n")
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable timeline.
func BuildJSONReport(ctx context.Context, src Source, jobID string) (string, error) {
	report, err := gatherReportData(ctx, src, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, jobID string) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	v, err := src.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return FromView(v), nil
}

// FromView builds the timeline for an already loaded job.
func FromView(v *status.View) *Report {
	report := &Report{
		JobID:         v.ID,
		Agent:         v.Agent,
		SourceRepo:    v.SourceRepo,
		Branch:        v.Branch,
		CommitRef:     v.CommitRef,
		State:         string(v.State),
		Attempts:      fmt.Sprintf("%d/%d", v.AttemptsMade, v.MaxAttempts),
		FailureReason: v.FailureReason,
		Steps:         make([]Step, 0, len(v.Attempts)+2),
	}
	if v.Result != nil {
		report.PublishedLocation = v.Result.PublishedLocation
	}

	enqueued := Step{At: v.EnqueuedAt, Kind: StepEnqueued, Detail: "push"}
	if v.TriggeredManually {
		enqueued.Detail = "manual"
	}
	report.Steps = append(report.Steps, enqueued)

	for _, a := range v.Attempts {
		detail := a.Outcome
		if a.Reason != "" {
			detail += ": " + a.Reason
		}
		report.Steps = append(report.Steps, Step{
			At:       a.StartedAt,
			Kind:     StepAttempt,
			Attempt:  a.Number,
			WorkerID: a.WorkerID,
			Duration: a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond).String(),
			Detail:   detail,
		})
	}

	switch {
	case v.NextAttemptAt != nil:
		report.Steps = append(report.Steps, Step{At: *v.NextAttemptAt, Kind: StepRetryDue, Attempt: v.AttemptsMade + 1})
	case v.CompletedAt != nil && v.Result != nil:
		report.Steps = append(report.Steps, Step{At: *v.CompletedAt, Kind: StepCompleted, Detail: v.Result.PublishedLocation})
	case v.CompletedAt != nil:
		report.Steps = append(report.Steps, Step{At: *v.CompletedAt, Kind: StepFailed, Detail: v.FailureReason})
	}

	sort.SliceStable(report.Steps, func(i, j int) bool {
		return report.Steps[i].At.Before(report.Steps[j].At)
	})
	return report
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
