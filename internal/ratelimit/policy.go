// Package ratelimit is the Redis-backed multi-window rate limiter: a
// policy is a set of (period, max-hits, timeout) rules evaluated
// together per partition, with an armed timeout key once any window is
// exhausted. Configuration is authoritative in a singleton grain and
// cached per silo.
package ratelimit

import (
	"strings"
)

// Rule is one window: at most MaxHits inside PeriodSeconds; exhausting
// it arms a deny timeout of TimeoutSeconds.
type Rule struct {
	PeriodSeconds  int   `json:"period_seconds"`
	MaxHits        int64 `json:"max_hits"`
	TimeoutSeconds int   `json:"timeout_seconds"`
}

// Policy names an ordered rule set.
type Policy struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// EndpointMapping binds a path glob to a policy name. Order matters:
// resolution returns the first match.
type EndpointMapping struct {
	Pattern string `json:"pattern"`
	Policy  string `json:"policy"`
}

// Configuration is the full limiter state held by the config grain.
type Configuration struct {
	Enabled          bool              `json:"enabled"`
	CollectMetrics   bool              `json:"collect_metrics"`
	DefaultPolicy    string            `json:"default_policy"`
	Policies         map[string]Policy `json:"policies"`
	EndpointMappings []EndpointMapping `json:"endpoint_mappings"`
}

// PolicyForEndpoint walks the mappings in order and returns the first
// whose glob matches path, falling back to the default policy. ok is
// false only when nothing matches and no default is configured — the
// caller must treat that as a configuration error, not an allow.
func (c Configuration) PolicyForEndpoint(path string) (string, bool) {
	for _, m := range c.EndpointMappings {
		if globMatch(m.Pattern, path) {
			return m.Policy, true
		}
	}
	if c.DefaultPolicy != "" {
		return c.DefaultPolicy, true
	}
	return "", false
}

// globMatch reports whether path matches pattern, where * matches any
// run of characters (including none, including slashes).
func globMatch(pattern, path string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == path
	}
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	path = path[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(path, parts[i])
		if idx < 0 {
			return false
		}
		path = path[idx+len(parts[i]):]
	}
	return strings.HasSuffix(path, parts[len(parts)-1])
}

// DefaultConfiguration is the built-in fallback installed on first boot
// when no stored configuration exists; it also becomes the
// stored-defaults snapshot Reset restores.
func DefaultConfiguration() Configuration {
	return Configuration{
		Enabled:        true,
		CollectMetrics: true,
		DefaultPolicy:  "standard",
		Policies: map[string]Policy{
			"standard": {
				Name: "standard",
				Rules: []Rule{
					{PeriodSeconds: 1, MaxHits: 10, TimeoutSeconds: 30},
					{PeriodSeconds: 60, MaxHits: 300, TimeoutSeconds: 120},
				},
			},
			"auth": {
				Name: "auth",
				Rules: []Rule{
					{PeriodSeconds: 60, MaxHits: 10, TimeoutSeconds: 300},
				},
			},
			"trade": {
				Name: "trade",
				Rules: []Rule{
					{PeriodSeconds: 1, MaxHits: 2, TimeoutSeconds: 10},
					{PeriodSeconds: 60, MaxHits: 60, TimeoutSeconds: 60},
				},
			},
		},
		EndpointMappings: []EndpointMapping{
			{Pattern: "/auth/*", Policy: "auth"},
			{Pattern: "/api/trade/*", Policy: "trade"},
			{Pattern: "/api/*", Policy: "standard"},
		},
	}
}
