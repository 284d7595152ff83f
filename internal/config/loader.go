package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, integrity-checks and validates the configuration file.
// A directory argument resolves to <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := VerifyChecksums(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $SHIPYARD_CONFIG, ~/.config/shipyard/config.yaml,
// /etc/shipyard/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("SHIPYARD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "shipyard", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat("/etc/shipyard/config.yaml"); err == nil {
		return "/etc/shipyard/config.yaml", nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $SHIPYARD_CONFIG, ~/.config/shipyard, /etc/shipyard, ./config.yaml)")
}

// WorkspaceDir returns the configured workspace root, defaulting to a
// directory next to the state database.
func (c *Config) WorkspaceDir() string {
	if strings.TrimSpace(c.Workers.WorkspaceDir) != "" {
		return c.Workers.WorkspaceDir
	}
	return filepath.Join(filepath.Dir(c.State.Path), "workspaces")
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	q := cfg.Queue
	if q.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if q.BackoffBase <= 0 {
		return fmt.Errorf("queue.backoff_base must be positive")
	}
	if q.SweepInterval <= 0 {
		return fmt.Errorf("queue.sweep_interval must be positive")
	}
	if q.Retention <= 0 {
		return fmt.Errorf("queue.retention must be positive")
	}

	w := cfg.Workers
	if w.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be positive")
	}
	if w.PollInterval <= 0 {
		return fmt.Errorf("workers.poll_interval must be positive")
	}
	if w.AttemptTimeout <= 0 {
		return fmt.Errorf("workers.attempt_timeout must be positive")
	}
	// A claim must outlive the attempt it guards, otherwise a healthy but slow
	// deploy would be handed to a second worker.
	if q.VisibilityTimeout <= w.AttemptTimeout {
		return fmt.Errorf("queue.visibility_timeout (%s) must exceed workers.attempt_timeout (%s)",
			q.VisibilityTimeout, w.AttemptTimeout)
	}

	switch cfg.Executor.Kind {
	case "command":
		if cfg.Executor.CloneURL == "" && cfg.Executor.PublishCommand == "" {
			return fmt.Errorf("executor: command kind needs clone_url, publish_command or both")
		}
	case "docker":
		if cfg.Executor.Image == "" {
			return fmt.Errorf("executor.image is required for docker executor")
		}
	default:
		return fmt.Errorf("executor.kind must be command or docker (got %q)", cfg.Executor.Kind)
	}
	for k, v := range cfg.Executor.Credentials {
		if err := unresolved("executor.credentials."+k, v); err != nil {
			return err
		}
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Webhooks != nil {
		for i, ep := range cfg.Webhooks.Endpoints {
			if ep.Path == "" || !strings.HasPrefix(ep.Path, "/") {
				return fmt.Errorf("webhooks.endpoints[%d].path must start with /", i)
			}
			if err := unresolved(fmt.Sprintf("webhooks.endpoints[%d].secret", i), ep.Secret); err != nil {
				return err
			}
		}
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true
		if strings.TrimSpace(a.SourceRepo) == "" {
			return fmt.Errorf("agent %q: source_repo is required", a.Name)
		}
	}

	return nil
}
