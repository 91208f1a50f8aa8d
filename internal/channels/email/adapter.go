// Package email provides a minimal IMAP/SMTP-shaped channel adapter.
//
// Real mailbox polling and MIME parsing are external concerns (per the
// explicit non-goal that IMAP/SMTP transport itself is out of scope); this
// adapter implements the channels.Adapter wire contract an email client
// speaks, sending outbound replies over SMTP and accepting inbound messages
// injected by whatever external poller or webhook watches the mailbox.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/google/uuid"

	"github.com/dlowe/steward/internal/channels"
	"github.com/dlowe/steward/pkg/models"
)

// Adapter implements channels.Adapter as a thin SMTP sender paired with an
// inbound channel fed by InjectInbound rather than a background IMAP poll.
type Adapter struct {
	config   Config
	messages chan *models.Message
	logger   *slog.Logger
	health   *channels.BaseHealthAdapter
}

// NewAdapter creates an email adapter from the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		config:   config,
		messages: make(chan *models.Message, 32),
		logger:   config.Logger.With("adapter", "email"),
	}
	a.health = channels.NewBaseHealthAdapter(models.ChannelEmail, a.logger)

	return a, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelEmail
}

// Start marks the adapter ready. There is no background poll loop: inbound
// messages arrive via InjectInbound from whatever external process watches
// the mailbox.
func (a *Adapter) Start(ctx context.Context) error {
	a.health.SetStatus(true, "")
	a.logger.Info("email adapter started", "channel_id", a.config.ChannelID)
	return nil
}

// Stop closes the inbound message channel.
func (a *Adapter) Stop(ctx context.Context) error {
	a.health.SetStatus(false, "stopped")
	close(a.messages)
	return nil
}

// Send delivers an outbound message as a plaintext email over SMTP.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return channels.ErrInvalidInput("message is required", nil)
	}
	if msg.ChannelID == "" {
		return channels.ErrInvalidInput("channel id (recipient address) is required", nil)
	}

	addr := fmt.Sprintf("%s:%d", a.config.SMTPHost, a.config.SMTPPort)
	body := fmt.Sprintf("To: %s\r\nFrom: %s\r\nSubject: Re: conversation\r\n\r\n%s\r\n",
		msg.ChannelID, a.config.FromAddress, msg.Content)

	var auth smtp.Auth
	if a.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", a.config.SMTPUsername, a.config.SMTPPassword, a.config.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, a.config.FromAddress, []string{msg.ChannelID}, []byte(body)); err != nil {
		a.health.RecordMessageFailed()
		return channels.ErrConnection("smtp send failed", err)
	}
	a.health.RecordMessageSent()
	return nil
}

// Messages returns the channel for receiving inbound messages.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Status returns the current adapter status.
func (a *Adapter) Status() channels.Status {
	return a.health.Status()
}

// HealthCheck reports healthy based on adapter status.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return a.health.HealthCheck(ctx)
}

// Metrics returns the current metrics snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.health.Metrics()
}

// SendTypingIndicator is unsupported; email has no typing affordance.
func (a *Adapter) SendTypingIndicator(ctx context.Context, msg *models.Message) error {
	return channels.ErrNotSupported
}

// InjectInbound delivers a message received by an external IMAP poller or
// webhook into this adapter's Messages() stream. fromAddress becomes the
// message's ChannelID, so a reply via Send routes back to the same mailbox.
func (a *Adapter) InjectInbound(ctx context.Context, fromAddress, content string) error {
	if fromAddress == "" {
		return channels.ErrInvalidInput("from address is required", nil)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelEmail,
		ChannelID: fromAddress,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}

	a.health.RecordMessageReceived()
	select {
	case a.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
