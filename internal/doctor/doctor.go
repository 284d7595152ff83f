// Package doctor runs the operator-facing checks behind "shipyard config check".
package doctor

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/mattjoyce/shipyard/internal/auth"
	"github.com/mattjoyce/shipyard/internal/config"
	"github.com/mattjoyce/shipyard/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects a loaded configuration and the host it will run on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	fsCheck  func(string) error
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, fsCheck: storage.CheckLocalFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateAgents(r)
	d.validateExecutor(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateWebhooks(r)
	d.warnQueueTuning(r)
	d.warnAuthSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateState checks the durable queue location.
func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	if err := d.fsCheck(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateAgents checks the registry for entries that can never deploy.
func (d *Doctor) validateAgents(r *Result) {
	if len(d.cfg.Agents) == 0 {
		d.addWarning(r, "agents", "agents", "no agents configured; every trigger will be rejected")
		return
	}

	names := make(map[string]int)
	repos := make(map[string][]string)
	for i, a := range d.cfg.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if prev, ok := names[a.Name]; ok {
			d.addError(r, "agents", field+".name",
				fmt.Sprintf("agent %q duplicates agents[%d]", a.Name, prev))
		}
		names[a.Name] = i

		if a.SourceRepo == "" {
			d.addError(r, "agents", field+".source_repo", fmt.Sprintf("agent %q has no source_repo", a.Name))
			continue
		}
		repo := strings.TrimSuffix(strings.ToLower(a.SourceRepo), ".git")
		repos[repo] = append(repos[repo], a.Name)

		if a.AutoDeploy && len(a.AllowedBranches) == 0 {
			d.addWarning(r, "agents", field+".allowed_branches",
				fmt.Sprintf("agent %q has auto_deploy on but no allowed_branches; pushes will never deploy", a.Name))
		}
	}

	for repo, agents := range repos {
		if len(agents) > 1 {
			d.addWarning(r, "agents", "agents",
				fmt.Sprintf("source repo %q is shared by agents %s; pushes deploy the first eligible one", repo, strings.Join(agents, ", ")))
		}
	}
}

var placeholderRe = regexp.MustCompile(`\{([a-z]+)\}`)

var knownPlaceholders = map[string]bool{"agent": true, "branch": true, "repo": true, "commit": true, "job": true}

// validateExecutor checks the deployment executor can run on this host.
func (d *Doctor) validateExecutor(r *Result) {
	ex := d.cfg.Executor
	switch ex.Kind {
	case "", "command":
		if ex.CloneURL != "" {
			if _, err := d.lookPath("git"); err != nil {
				d.addError(r, "executor", "executor.clone_url", "git not found in PATH")
			}
		}
		if ex.PublishCommand == "" {
			d.addWarning(r, "executor", "executor.publish_command",
				"no publish_command; deploys only clone the repository")
		} else if _, err := d.lookPath("sh"); err != nil {
			d.addError(r, "executor", "executor.publish_command", "sh not found in PATH")
		}
		if ex.PublishCommand != "" && ex.PublishedLocation == "" {
			d.addWarning(r, "executor", "executor.published_location",
				"no published_location template; publish_command must print the location as its last line")
		}
	case "docker":
		if ex.Image == "" {
			d.addError(r, "executor", "executor.image", "executor.image is required for docker executor")
		}
	default:
		d.addError(r, "executor", "executor.kind", fmt.Sprintf("unknown executor kind %q", ex.Kind))
	}

	for field, tpl := range map[string]string{
		"executor.clone_url":          ex.CloneURL,
		"executor.published_location": ex.PublishedLocation,
	} {
		for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
			if !knownPlaceholders[m[1]] {
				d.addWarning(r, "executor", field, fmt.Sprintf("unknown placeholder {%s}", m[1]))
			}
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; every protected route answers 401")
	}
	if d.cfg.Webhooks != nil && d.cfg.Webhooks.Listen != "" && d.cfg.Webhooks.Listen == d.cfg.API.Listen {
		d.addError(r, "api", "api.listen", fmt.Sprintf("api.listen and webhooks.listen are both %q", d.cfg.API.Listen))
	}
}

// validateTokenScopes checks every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.IsKnownScope(strings.TrimSpace(scope)) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of %s)", scope, strings.Join(auth.KnownScopes, ", ")))
			}
		}
	}
}

// validateWebhooks checks for path conflicts and missing secrets.
func (d *Doctor) validateWebhooks(r *Result) {
	if d.cfg.Webhooks == nil {
		return
	}
	if d.cfg.Webhooks.Listen == "" {
		d.addError(r, "webhooks", "webhooks.listen", "webhooks.listen is required when endpoints are configured")
	}

	seen := make(map[string]int)
	for i, ep := range d.cfg.Webhooks.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)

		normalized := strings.TrimSuffix(ep.Path, "/")
		if prevIdx, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q conflicts with webhooks.endpoints[%d]", ep.Path, prevIdx))
		}
		seen[normalized] = i

		if ep.Secret == "" {
			d.addError(r, "webhooks", field+".secret",
				fmt.Sprintf("webhook %q: secret is required", ep.Path))
		} else if len(ep.Secret) < 16 {
			d.addWarning(r, "webhooks", field+".secret",
				fmt.Sprintf("webhook %q: secret is shorter than 16 characters", ep.Path))
		}
	}
}

// warnQueueTuning flags settings that are legal but probably unintended.
func (d *Doctor) warnQueueTuning(r *Result) {
	q, w := d.cfg.Queue, d.cfg.Workers
	if q.MaxAttempts == 1 {
		d.addWarning(r, "queue", "queue.max_attempts", "max_attempts is 1; failed deploys are never retried")
	}
	if q.VisibilityTimeout < w.AttemptTimeout+w.AttemptTimeout/10 {
		d.addWarning(r, "queue", "queue.visibility_timeout",
			"visibility_timeout leaves little headroom over attempt_timeout; slow acknowledgements may be reclaimed")
	}
	if q.Retention > 0 && q.Retention < q.VisibilityTimeout {
		d.addWarning(r, "queue", "queue.retention",
			"retention is shorter than visibility_timeout; pollers may see finished jobs disappear quickly")
	}
}

// warnAuthSyntax warns about admin-key usage.
func (d *Doctor) warnAuthSyntax(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "auth", "api.auth.api_key",
			"api_key grants full access; prefer scoped tokens")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
