package config

// ChannelsConfig configures every concrete channels.Adapter steward wires up.
type ChannelsConfig struct {
	CLI       CLIConfig       `yaml:"cli"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Discord   DiscordConfig   `yaml:"discord"`
	Slack     SlackConfig     `yaml:"slack"`
	Email     EmailConfig     `yaml:"email"`
}

// ChannelPolicyConfig controls access for a channel's DM/group surface.
type ChannelPolicyConfig struct {
	// Policy is "open", "allowlist", or "disabled".
	Policy    string   `yaml:"policy"`
	AllowFrom []string `yaml:"allow_from"`
}

// CLIConfig configures the local stdin/stdout REPL adapter.
type CLIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ChannelID string `yaml:"channel_id"`
	Prompt    string `yaml:"prompt"`
}

// WebSocketConfig configures the gorilla/websocket-backed client adapter.
type WebSocketConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ListenAddr  string `yaml:"listen_addr"`
	AllowOrigin string `yaml:"allow_origin"`
}

// TelegramConfig configures the go-telegram/bot adapter.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}

// DiscordConfig configures the bwmarrin/discordgo adapter.
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppID    string `yaml:"app_id"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}

// SlackConfig configures the slack-go/slack socket-mode adapter.
type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"`
	SigningSecret string `yaml:"signing_secret"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}

// EmailConfig configures the SMTP-backed email adapter stub.
type EmailConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
	FromAddress  string `yaml:"from_address"`
}

func applyChannelsDefaults(cfg *ChannelsConfig) {
	if cfg.CLI.ChannelID == "" {
		cfg.CLI.ChannelID = "local"
	}
	if cfg.CLI.Prompt == "" {
		cfg.CLI.Prompt = "> "
	}
	if cfg.WebSocket.ListenAddr == "" {
		cfg.WebSocket.ListenAddr = ":8090"
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = 587
	}
	applyPolicyDefault(&cfg.Telegram.DM)
	applyPolicyDefault(&cfg.Telegram.Group)
	applyPolicyDefault(&cfg.Discord.DM)
	applyPolicyDefault(&cfg.Discord.Group)
	applyPolicyDefault(&cfg.Slack.DM)
	applyPolicyDefault(&cfg.Slack.Group)
}

func applyPolicyDefault(p *ChannelPolicyConfig) {
	if p.Policy == "" {
		p.Policy = "open"
	}
}
