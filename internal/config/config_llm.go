package config

// LLMConfig configures the agent's LLM providers and failover order.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	FallbackChain   []string                     `yaml:"fallback_chain"`
}

// LLMProviderConfig configures one provider, matching the field names
// internal/agent/providers' AnthropicConfig/OpenAIConfig constructors take.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]LLMProviderConfig{}
	}
	anthropic := cfg.Providers["anthropic"]
	if anthropic.DefaultModel == "" {
		anthropic.DefaultModel = "claude-sonnet-4-20250514"
	}
	cfg.Providers["anthropic"] = anthropic

	openai := cfg.Providers["openai"]
	if openai.DefaultModel == "" {
		openai.DefaultModel = "gpt-4o"
	}
	cfg.Providers["openai"] = openai
}
