package config

import "github.com/dlowe/steward/internal/tools/policy"

// ToolsConfig configures the default tool access policy applied to agents
// that don't specify their own.
type ToolsConfig struct {
	DefaultPolicy policy.Policy `yaml:"default_policy"`

	// ExecutionTimeout bounds how long a single tool call may run before its
	// context is canceled.
	ExecutionTimeoutSeconds int `yaml:"execution_timeout_seconds"`
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.DefaultPolicy.Profile == "" {
		cfg.DefaultPolicy.Profile = policy.ProfileCoding
	}
	if cfg.ExecutionTimeoutSeconds == 0 {
		cfg.ExecutionTimeoutSeconds = 120
	}
}
