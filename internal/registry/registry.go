// Package registry holds the immutable set of deployable agents.
package registry

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/shipyard/internal/config"
)

// Agent is a named deployable unit bound to one source repository.
type Agent struct {
	Name            string
	SourceRepo      string
	AutoDeploy      bool
	AllowedBranches []string
}

// AllowsBranch reports whether branch is in AllowedBranches.
func (a Agent) AllowsBranch(branch string) bool {
	for _, b := range a.AllowedBranches {
		if b == branch {
			return true
		}
	}
	return false
}

// DefaultBranch is the branch a manual trigger deploys when none is given.
func (a Agent) DefaultBranch() string {
	if len(a.AllowedBranches) > 0 {
		return a.AllowedBranches[0]
	}
	return "main"
}

// Registry is an ordered, read-only agent list. Safe for concurrent use
// because nothing mutates it after New.
type Registry struct {
	agents []Agent
	byName map[string]int
	byRepo map[string][]int
}

// New validates and indexes agents. The slice is copied.
func New(agents []Agent) (*Registry, error) {
	r := &Registry{
		agents: make([]Agent, 0, len(agents)),
		byName: make(map[string]int, len(agents)),
		byRepo: make(map[string][]int),
	}
	for i, a := range agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, fmt.Errorf("agent %d: name is required", i)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("agent %q: duplicate name", name)
		}
		repo := normalizeRepo(a.SourceRepo)
		if repo == "" {
			return nil, fmt.Errorf("agent %q: source repo is required", name)
		}

		a.Name = name
		a.AllowedBranches = append([]string(nil), a.AllowedBranches...)
		idx := len(r.agents)
		r.agents = append(r.agents, a)
		r.byName[name] = idx
		r.byRepo[repo] = append(r.byRepo[repo], idx)
	}
	return r, nil
}

// FromConfig builds a Registry from the agents section of cfg.
func FromConfig(cfg *config.Config) (*Registry, error) {
	agents := make([]Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents = append(agents, Agent{
			Name:            a.Name,
			SourceRepo:      a.SourceRepo,
			AutoDeploy:      a.AutoDeploy,
			AllowedBranches: a.AllowedBranches,
		})
	}
	return New(agents)
}

// ByName returns the agent with the given name.
func (r *Registry) ByName(name string) (Agent, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return Agent{}, false
	}
	return r.agents[idx], true
}

// BySourceRepo returns every agent bound to repo, in registry order.
// Matching ignores case and a trailing ".git".
func (r *Registry) BySourceRepo(repo string) []Agent {
	idxs := r.byRepo[normalizeRepo(repo)]
	out := make([]Agent, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, r.agents[idx])
	}
	return out
}

// All returns a copy of the agents in registry order.
func (r *Registry) All() []Agent {
	return append([]Agent(nil), r.agents...)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.agents) }

func normalizeRepo(repo string) string {
	repo = strings.ToLower(strings.TrimSpace(repo))
	return strings.TrimSuffix(repo, ".git")
}
