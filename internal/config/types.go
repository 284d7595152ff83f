package config

import "time"

// Config represents the complete shipyard configuration.
type Config struct {
	Service  ServiceConfig   `yaml:"service"`
	State    StateConfig     `yaml:"state"`
	Queue    QueueConfig     `yaml:"queue"`
	Workers  WorkersConfig   `yaml:"workers"`
	Executor ExecutorConfig  `yaml:"executor"`
	API      APIConfig       `yaml:"api,omitempty"`
	Webhooks *WebhooksConfig `yaml:"webhooks,omitempty"`
	Agents   []AgentConfig   `yaml:"agents"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines durable state settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig defines retry, visibility and retention behaviour of the job queue.
type QueueConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	Retention         time.Duration `yaml:"retention"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// WorkersConfig defines the worker pool.
type WorkersConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	// WorkspaceDir holds per-attempt workspaces. Defaults to <state dir>/workspaces.
	WorkspaceDir string `yaml:"workspace_dir,omitempty"`
}

// ExecutorConfig selects and configures the deployment executor.
type ExecutorConfig struct {
	Kind string `yaml:"kind"` // "command" or "docker"

	// CloneURL is a template; {repo} is replaced with the agent's source repo.
	CloneURL       string `yaml:"clone_url"`
	PublishCommand string `yaml:"publish_command,omitempty"`
	// PublishedLocation is used when the publish step prints nothing.
	// Supports {agent}, {branch} and {repo}.
	PublishedLocation string `yaml:"published_location,omitempty"`

	Image string `yaml:"image,omitempty"`

	Credentials map[string]string `yaml:"credentials,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	CORSOrigins []string      `yaml:"cors_origins,omitempty"`
	Auth        APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the push-notification listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint defines a single webhook endpoint.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
}

// AgentConfig is one entry of the agent registry.
type AgentConfig struct {
	Name            string   `yaml:"name"`
	SourceRepo      string   `yaml:"source_repo"`
	AutoDeploy      bool     `yaml:"auto_deploy"`
	AllowedBranches []string `yaml:"allowed_branches"`
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "shipyard",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/shipyard.db",
		},
		Queue: QueueConfig{
			MaxAttempts:       3,
			BackoffBase:       5 * time.Second,
			VisibilityTimeout: 15 * time.Minute,
			Retention:         7 * 24 * time.Hour,
			SweepInterval:     time.Second,
		},
		Workers: WorkersConfig{
			Concurrency:    2,
			PollInterval:   time.Second,
			AttemptTimeout: 10 * time.Minute,
		},
		Executor: ExecutorConfig{
			Kind:     "command",
			CloneURL: "https://github.com/{repo}.git",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
