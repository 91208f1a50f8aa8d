// Package cli provides a line-oriented stdin/stdout channel adapter, the
// wire contract a local terminal REPL client speaks to the gateway.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dlowe/steward/internal/channels"
	"github.com/dlowe/steward/pkg/models"
)

// Config configures the CLI adapter.
type Config struct {
	// ChannelID identifies this REPL session (defaults to "local").
	ChannelID string

	// In is the input stream to read user lines from (defaults to os.Stdin).
	In io.Reader

	// Out is the output stream to write assistant replies to (defaults to os.Stdout).
	Out io.Writer

	// Prompt is printed before reading each line.
	Prompt string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate applies defaults and checks required fields.
func (c *Config) Validate() error {
	if c.In == nil || c.Out == nil {
		return channels.ErrConfig("cli adapter requires In and Out streams", nil)
	}
	if c.ChannelID == "" {
		c.ChannelID = "local"
	}
	if c.Prompt == "" {
		c.Prompt = "> "
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter over a line-oriented stdin/stdout
// stream, the simplest possible transport for local development and
// scripted clients that speak the same newline-delimited wire contract a
// REPL client would use.
type Adapter struct {
	config   Config
	messages chan *models.Message
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
	health   *channels.BaseHealthAdapter

	writeMu sync.Mutex
}

// NewAdapter creates a CLI adapter from the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		config:   config,
		messages: make(chan *models.Message, 16),
		logger:   config.Logger.With("adapter", "cli"),
	}
	a.health = channels.NewBaseHealthAdapter(models.ChannelCLI, a.logger)
	return a, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelCLI
}

// Start begins reading lines from the input stream.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.health.SetStatus(true, "")
	a.logger.Info("cli adapter started", "channel_id", a.config.ChannelID)

	a.wg.Add(1)
	go a.readLoop(ctx)

	return nil
}

// Stop shuts down the adapter and closes the message channel.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("cli adapter stop timed out")
	}

	a.health.SetStatus(false, "stopped")
	close(a.messages)
	return nil
}

// Send writes an outbound message to the output stream.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return channels.ErrInvalidInput("message is required", nil)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if _, err := fmt.Fprintln(a.config.Out, msg.Content); err != nil {
		a.health.RecordMessageFailed()
		return channels.ErrConnection("write to output stream failed", err)
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

// HealthCheck reports healthy as long as the read loop hasn't exited.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return a.health.HealthCheck(ctx)
}

// Metrics returns the current metrics snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.health.Metrics()
}

// SendTypingIndicator is unsupported; the REPL has no typing affordance.
func (a *Adapter) SendTypingIndicator(ctx context.Context, msg *models.Message) error {
	return channels.ErrNotSupported
}

// SendStatus writes a bracketed status line for event to the output
// stream, the REPL's only available rendering for spec.md §4.4's
// send_status notifications.
func (a *Adapter) SendStatus(ctx context.Context, originalMsg *models.Message, event models.StatusEvent) error {
	line := formatStatusLine(event)
	if line == "" {
		return nil
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if _, err := fmt.Fprintln(a.config.Out, line); err != nil {
		return channels.ErrConnection("write status to output stream failed", err)
	}
	return nil
}

func formatStatusLine(event models.StatusEvent) string {
	switch event.Kind {
	case models.StatusThinking:
		return "[thinking] " + event.Message
	case models.StatusToolStarted:
		return fmt.Sprintf("[tool] running %s...", event.ToolName)
	case models.StatusToolCompleted:
		if event.Success {
			return fmt.Sprintf("[tool] %s finished", event.ToolName)
		}
		return fmt.Sprintf("[tool] %s failed", event.ToolName)
	case models.StatusToolResult:
		return fmt.Sprintf("[tool] %s -> %s", event.ToolName, event.Preview)
	case models.StatusApprovalNeeded:
		return fmt.Sprintf("[approval needed] run %s(%s)? /approve-tool %s or /reject-tool %s", event.Tool, event.ParamsSummary, event.RequestID, event.RequestID)
	case models.StatusError:
		return "[error] " + event.Message
	case models.StatusInfo:
		return "[info] " + event.Message
	default:
		return ""
	}
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.config.In)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		a.writePrompt()

		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			a.handleLine(ctx, line)
		}
	}
}

func (a *Adapter) writePrompt() {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	fmt.Fprint(a.config.Out, a.config.Prompt)
}

func (a *Adapter) handleLine(ctx context.Context, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelCLI,
		ChannelID: a.config.ChannelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   trimmed,
		CreatedAt: time.Now(),
	}

	a.health.RecordMessageReceived()
	select {
	case a.messages <- msg:
	case <-ctx.Done():
	}
}
