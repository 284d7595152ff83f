package webhook

import (
	"context"

	"github.com/mattjoyce/shipyard/internal/dispatch"
)

// Dispatcher turns a verified push into a decision.
type Dispatcher interface {
	Dispatch(ctx context.Context, t dispatch.Trigger) (dispatch.Decision, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/webhook/github")
	Path string

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader carries the HMAC signature (default X-Hub-Signature-256).
	SignatureHeader string

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MiB)
	MaxBodySize int64
}

// Response is the JSON body of every non-error webhook answer.
type Response struct {
	Outcome string `json:"outcome"`
	JobID   string `json:"job_id,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Branch  string `json:"branch,omitempty"`
	// Reason explains an ignored delivery.
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1 << 20
	DefaultSignatureHeader = "X-Hub-Signature-256"
	EventHeader            = "X-GitHub-Event"

	OutcomeIgnored = "ignored"
	OutcomePong    = "pong"
)
