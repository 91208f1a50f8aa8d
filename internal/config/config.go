// Package config loads steward's YAML configuration document.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for steward.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Session    SessionConfig    `yaml:"session"`
	Channels   ChannelsConfig   `yaml:"channels"`
	LLM        LLMConfig        `yaml:"llm"`
	Tools      ToolsConfig      `yaml:"tools"`
	Cards      CardsConfig      `yaml:"cards"`
	Commands   CommandsConfig   `yaml:"commands"`
	Compaction CompactionConfig `yaml:"compaction"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig configures the listening ports for steward's HTTP surfaces.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig configures the SQL store backend. An empty URL selects the
// in-process SQLite/memory stores used for local development.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "postgres", "sqlite", or "memory"
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig configures session JWTs and OAuth login providers.
type AuthConfig struct {
	JWTSecret   string              `yaml:"jwt_secret"`
	TokenExpiry time.Duration       `yaml:"token_expiry"`
	OAuth       OAuthProvidersConfig `yaml:"oauth"`
}

// OAuthProvidersConfig lists the OAuth providers steward's auth service registers.
type OAuthProvidersConfig struct {
	Google OAuthProviderConfig `yaml:"google"`
	GitHub OAuthProviderConfig `yaml:"github"`
}

// OAuthProviderConfig configures one OAuth2 login provider.
type OAuthProviderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// SessionConfig configures the session manager and its idle-thread locker.
type SessionConfig struct {
	DefaultAgentID string        `yaml:"default_agent_id"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
}

// CommandsConfig configures the in-band "/" control surface.
type CommandsConfig struct {
	Enabled   bool                `yaml:"enabled"`
	AllowFrom map[string][]string `yaml:"allow_from"`
}

// CompactionConfig configures transcript token accounting and summarization.
type CompactionConfig struct {
	TokenBudget     int     `yaml:"token_budget"`
	TriggerFraction float64 `yaml:"trigger_fraction"`
	SummaryModel    string  `yaml:"summary_model"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// TracingConfig controls OpenTelemetry trace export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Load reads a YAML config document from path, applies environment variable
// overrides for secrets, fills defaults, and validates the result. path may
// reference environment variables (e.g. "${STEWARD_HOME}/config.yaml"),
// which are expanded before parsing, matching how the teacher's loader
// expands secrets embedded in the document itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Path resolves the config file path: an explicit flag value if non-empty,
// otherwise the STEWARD_CONFIG environment variable, otherwise "config.yaml".
func Path(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv("STEWARD_CONFIG")); env != "" {
		return env
	}
	return "config.yaml"
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("STEWARD_HTTP_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		setProviderAPIKey(cfg, "anthropic", v)
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		setProviderAPIKey(cfg, "openai", v)
	}
	if v := strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")); v != "" {
		cfg.Channels.Discord.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		cfg.Channels.Telegram.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("SLACK_BOT_TOKEN")); v != "" {
		cfg.Channels.Slack.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("SLACK_APP_TOKEN")); v != "" {
		cfg.Channels.Slack.AppToken = v
	}
}

func setProviderAPIKey(cfg *Config, name, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	p := cfg.LLM.Providers[name]
	p.APIKey = key
	cfg.LLM.Providers[name] = p
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyAuthDefaults(&cfg.Auth)
	applySessionDefaults(&cfg.Session)
	applyChannelsDefaults(&cfg.Channels)
	applyLLMDefaults(&cfg.LLM)
	applyToolsDefaults(&cfg.Tools)
	applyCardsDefaults(&cfg.Cards)
	applyCompactionDefaults(&cfg.Compaction)
	applyLoggingDefaults(&cfg.Logging)
	applyTracingDefaults(&cfg.Tracing)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 24 * time.Hour
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.DefaultAgentID == "" {
		cfg.DefaultAgentID = "default"
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 10 * time.Second
	}
}

func applyCompactionDefaults(cfg *CompactionConfig) {
	if cfg.TokenBudget == 0 {
		cfg.TokenBudget = 180_000
	}
	if cfg.TriggerFraction == 0 {
		cfg.TriggerFraction = 0.8
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = "claude-haiku-4-5"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyTracingDefaults(cfg *TracingConfig) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "steward"
	}
}

func validate(cfg *Config) error {
	var issues []string

	switch cfg.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		issues = append(issues, fmt.Sprintf("database.driver %q must be postgres, sqlite, or memory", cfg.Database.Driver))
	}
	if (cfg.Database.Driver == "postgres") && cfg.Database.URL == "" {
		issues = append(issues, "database.url is required when database.driver is postgres")
	}
	if cfg.Compaction.TriggerFraction <= 0 || cfg.Compaction.TriggerFraction > 1 {
		issues = append(issues, "compaction.trigger_fraction must be in (0, 1]")
	}
	if cfg.Cards.ConfidenceFloor < 0 || cfg.Cards.ConfidenceFloor > 1 {
		issues = append(issues, "cards.confidence_floor must be in [0, 1]")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(issues, "; "))
	}
	return nil
}
