package email

import (
	"log/slog"

	"github.com/dlowe/steward/internal/channels"
)

// Config holds the IMAP/SMTP connection details for the email adapter.
//
// This adapter is a contract-only stub: real IMAP/SMTP transport is out of
// scope (mail servers, polling cadence, and MIME parsing are external
// concerns), but the channels.Adapter wire contract email clients speak is
// in scope, so Send is wired to a real net/smtp call while inbound delivery
// is left to whatever external poller or webhook feeds InjectInbound.
type Config struct {
	// SMTPHost/SMTPPort address the outbound mail relay.
	SMTPHost string
	SMTPPort int

	// SMTPUsername/SMTPPassword authenticate against the relay with PLAIN auth.
	SMTPUsername string
	SMTPPassword string

	// FromAddress is the envelope sender used for outbound mail.
	FromAddress string

	// ChannelID identifies the mailbox this adapter instance represents,
	// used to route inbound messages injected via InjectInbound.
	ChannelID string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.SMTPHost == "" {
		return channels.ErrConfig("smtp_host is required", nil)
	}
	if c.FromAddress == "" {
		return channels.ErrConfig("from_address is required", nil)
	}
	if c.SMTPPort == 0 {
		c.SMTPPort = 587
	}
	if c.ChannelID == "" {
		c.ChannelID = c.FromAddress
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
