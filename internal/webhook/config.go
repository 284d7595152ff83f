package webhook

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/shipyard/internal/config"
)

// FromGlobalConfig converts config.WebhooksConfig to webhook.Config.
func FromGlobalConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}

	cfg := Config{
		Listen:    wc.Listen,
		Endpoints: make([]EndpointConfig, len(wc.Endpoints)),
	}

	for i, ep := range wc.Endpoints {
		if ep.Secret == "" {
			return Config{}, fmt.Errorf("webhook endpoint %q: no secret configured", ep.Path)
		}

		maxBodySize, err := parseMaxBodySize(ep.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook endpoint %q: invalid max_body_size %q: %w", ep.Path, ep.MaxBodySize, err)
		}

		header := ep.SignatureHeader
		if header == "" {
			header = DefaultSignatureHeader
		}

		cfg.Endpoints[i] = EndpointConfig{
			Path:            ep.Path,
			Secret:          ep.Secret,
			SignatureHeader: header,
			MaxBodySize:     maxBodySize,
		}
	}

	return cfg, nil
}

// parseMaxBodySize accepts sizes like "1MiB", "512KB" or "2048576".
// Returns DefaultMaxBodySize if empty.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	n, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if n > 1<<30 {
		return 0, fmt.Errorf("size too large")
	}
	return int64(n), nil
}
