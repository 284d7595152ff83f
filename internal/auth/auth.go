// Package auth resolves bearer tokens to scoped principals for the HTTP API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/mattjoyce/shipyard/internal/config"
)

// Well-known scopes.
const (
	ScopeAll      = "*"
	ScopeDeployRW = "deploy:rw"
	ScopeJobsRO   = "jobs:ro"
	ScopeAgentsRO = "agents:ro"
	ScopeEventsRO = "events:ro"
)

// KnownScopes lists every scope a token may carry.
var KnownScopes = []string{ScopeAll, ScopeDeployRW, ScopeJobsRO, ScopeAgentsRO, ScopeEventsRO}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// TokensFromConfig converts the api.auth.tokens section.
func TokensFromConfig(tokens []config.APIToken) []TokenConfig {
	out := make([]TokenConfig, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, TokenConfig{Token: t.Token, Scopes: append([]string(nil), t.Scopes...)})
	}
	return out
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// If adminKey matches, it authenticates with scope "*".
func Authenticate(presented string, adminKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, adminKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Whoever may trigger a deploy may also follow it.
	if _, ok := out[ScopeDeployRW]; ok {
		out[ScopeJobsRO] = struct{}{}
		out[ScopeAgentsRO] = struct{}{}
	}
	return out
}

// IsKnownScope reports whether s is one of KnownScopes.
func IsKnownScope(s string) bool {
	for _, k := range KnownScopes {
		if s == k {
			return true
		}
	}
	return false
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
