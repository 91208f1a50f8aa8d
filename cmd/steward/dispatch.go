package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dlowe/steward/internal/agent"
	"github.com/dlowe/steward/internal/commands"
	"github.com/dlowe/steward/internal/compaction"
	"github.com/dlowe/steward/internal/sessions"
	"github.com/dlowe/steward/pkg/models"
)

// statusPreviewLimit bounds how much of a tool result is quoted in a
// StatusResult status event; channels render a preview, not a transcript.
const statusPreviewLimit = 200

const systemPrompt = `You are steward, a server-side personal assistant. Be
concise and direct. You may use tools when they help answer the request,
but nothing you produce is sent anywhere until a human approves it.`

// historyLimit bounds how many prior messages are loaded per turn before
// compaction; internal/compaction trims the transcript further by token
// budget once it is handed to the loop.
const historyLimit = 50

// dispatchLoop is the spine connecting every subsystem buildServer wired:
// it drains the channel registry's merged inbound stream, routes slash
// commands to the command registry, and otherwise runs the agentic loop
// against session history before firing card generation in the
// background per spec.md's card-surfacing contract. It runs until ctx is
// canceled.
func (s *server) dispatchLoop(ctx context.Context) {
	for msg := range s.registry.AggregateMessages(ctx) {
		go s.handleInbound(ctx, msg)
	}
}

func (s *server) handleInbound(ctx context.Context, msg *models.Message) {
	if parsed := s.parser.ParseCommand(msg.Content); parsed != nil {
		s.handleCommand(ctx, msg, parsed)
		return
	}

	agentID := s.cfg.Session.DefaultAgentID
	key := sessions.BuildAgentPeerSessionKey(sessions.PeerSessionParams{
		AgentID:  agentID,
		MainKey:  sessions.DefaultMainKey,
		Channel:  string(msg.Channel),
		PeerKind: "dm",
		PeerID:   msg.ChannelID,
		DMScope:  "per-channel-peer",
	})
	session, err := s.sessions.GetOrCreate(ctx, key, agentID, msg.Channel, msg.ChannelID)
	if err != nil {
		s.logger.Error("get or create session failed", "error", err, "channel", msg.Channel)
		return
	}
	msg.SessionID = session.ID

	thread, err := s.threads.GetOrCreate(ctx, session.ID, session.ID)
	if err != nil {
		s.logger.Error("get or create thread failed", "error", err, "session_id", session.ID)
		return
	}
	if thread.State == models.ThreadAwaitingApproval {
		s.sendReply(ctx, msg.Channel, &models.Message{
			SessionID: session.ID,
			Channel:   msg.Channel,
			ChannelID: msg.ChannelID,
			Direction: models.DirectionOutbound,
			Role:      models.RoleAssistant,
			Content:   fmt.Sprintf("A tool call is still awaiting your approval. Use /approve-tool %s or /reject-tool %s first.", thread.ID, thread.ID),
		})
		return
	}

	if err := s.sessions.AppendMessage(ctx, session.ID, msg); err != nil {
		s.logger.Warn("append inbound message failed", "error", err, "session_id", session.ID)
	}

	if !s.transitionThread(ctx, thread, models.ThreadProcessing) {
		return
	}

	history, err := s.sessions.GetHistory(ctx, session.ID, historyLimit)
	if err != nil {
		s.logger.Error("get history failed", "error", err, "session_id", session.ID)
		return
	}

	working := s.compactHistory(ctx, session.ID, toChatHistory(history))

	result := s.loop.Run(ctx, agent.RunInput{
		AgentID:      agentID,
		SessionID:    session.ID,
		ThreadID:     thread.ID,
		SystemPrompt: systemPrompt,
		History:      working,
		Model:        s.cfg.LLM.Providers[s.cfg.LLM.DefaultProvider].DefaultModel,
		Sink:         s.dispatchSink(msg, session.ID),
	})

	s.generator.GenerateAsync(ctx, msg, session.ID, session.ID)

	s.finishTurn(ctx, msg, session.ID, thread, result)
}

// compactHistory runs the configured compaction.Planner over working,
// falling back to the full transcript if compaction fails or is disabled.
func (s *server) compactHistory(ctx context.Context, sessionID string, working []models.ChatMessage) []models.ChatMessage {
	if s.compactor == nil {
		return working
	}
	plan := s.compactor.Suggest(working)
	if plan.Kind == compaction.PlanNone {
		return working
	}
	compacted, err := s.compactor.Execute(ctx, sessionID, working, plan)
	if err != nil {
		s.logger.Warn("compaction failed, continuing with full history", "error", err, "session_id", sessionID)
		return working
	}
	s.logger.Info("compacted transcript", "session_id", sessionID, "plan", plan.String(), "turns_removed", compacted.TurnsRemoved)
	return compacted.Messages
}

// transitionThread moves thread to the target state, refusing and logging
// an illegal edge rather than persisting one. Leaving AwaitingApproval
// always clears PendingApproval; entering it requires the caller to have
// already set thread.PendingApproval so Thread.Validate's invariant holds.
func (s *server) transitionThread(ctx context.Context, thread *models.Thread, to models.ThreadState) bool {
	if !models.CanTransition(thread.State, to) {
		s.logger.Error("illegal thread transition", "thread_id", thread.ID, "from", thread.State, "to", to)
		return false
	}
	thread.State = to
	if to != models.ThreadAwaitingApproval {
		thread.PendingApproval = nil
	}
	if err := s.threads.Update(ctx, thread); err != nil {
		s.logger.Error("persist thread transition failed", "error", err, "thread_id", thread.ID, "to", to)
		return false
	}
	return true
}

// finishTurn applies a LoopResult's outcome to thread and the originating
// channel: a response is appended to history and replied, a needed
// approval suspends the thread and notifies the channel, and an error
// returns the thread to Idle. Shared by handleInbound and resumeThread so
// a fresh run and a resumed one settle identically.
func (s *server) finishTurn(ctx context.Context, msg *models.Message, sessionID string, thread *models.Thread, result agent.LoopResult) {
	switch result.Outcome {
	case agent.OutcomeResponse:
		reply := &models.Message{
			SessionID: sessionID,
			Channel:   msg.Channel,
			ChannelID: msg.ChannelID,
			Direction: models.DirectionOutbound,
			Role:      models.RoleAssistant,
			Content:   result.Text,
		}
		if err := s.sessions.AppendMessage(ctx, sessionID, reply); err != nil {
			s.logger.Warn("append outbound message failed", "error", err, "session_id", sessionID)
		}
		s.transitionThread(ctx, thread, models.ThreadIdle)
		s.sendReply(ctx, msg.Channel, reply)

	case agent.OutcomeNeedApproval:
		thread.PendingApproval = result.PendingApproval
		if !s.transitionThread(ctx, thread, models.ThreadAwaitingApproval) {
			return
		}
		s.logger.Info("run suspended pending tool approval", "session_id", sessionID, "thread_id", thread.ID)
		s.sendStatus(ctx, msg, models.StatusEvent{
			Kind:          models.StatusApprovalNeeded,
			RequestID:     thread.ID,
			Tool:          result.PendingApproval.ToolName,
			ParamsSummary: string(result.PendingApproval.Input),
		})

	case agent.OutcomeError:
		s.logger.Error("agent run failed", "error", result.Err, "session_id", sessionID)
		s.transitionThread(ctx, thread, models.ThreadIdle)
		if result.Err != nil {
			s.sendStatus(ctx, msg, models.StatusEvent{Kind: models.StatusError, Message: result.Err.Error()})
		}
	}
}

// resumeThread re-enters a suspended thread's agentic loop once a human
// has approved or rejected its PendingApproval, implementing spec.md §8
// scenario 1's resumption half. msg carries only the channel routing of
// the command that triggered the resume, not the original inbound turn.
func (s *server) resumeThread(ctx context.Context, msg *models.Message, threadID string, approve bool, reason string) error {
	thread, err := s.threads.Get(ctx, threadID)
	if err != nil {
		return fmt.Errorf("unknown thread %q", threadID)
	}
	if thread.State != models.ThreadAwaitingApproval || thread.PendingApproval == nil {
		return fmt.Errorf("thread %q has no tool call awaiting approval", threadID)
	}
	pending := thread.PendingApproval

	agentID := s.cfg.Session.DefaultAgentID
	in := agent.RunInput{
		AgentID:      agentID,
		SessionID:    thread.SessionID,
		ThreadID:     thread.ID,
		SystemPrompt: systemPrompt,
		Model:        s.cfg.LLM.Providers[s.cfg.LLM.DefaultProvider].DefaultModel,
		Sink:         s.dispatchSink(msg, thread.SessionID),
	}

	var result agent.LoopResult
	if approve {
		result = s.loop.Resume(ctx, in, pending)
	} else {
		result = s.loop.Reject(ctx, in, pending, reason)
	}

	if !s.transitionThread(ctx, thread, models.ThreadProcessing) {
		return fmt.Errorf("failed to resume thread %q", threadID)
	}

	s.finishTurn(ctx, msg, thread.SessionID, thread, result)
	return nil
}

// sendStatus delivers a StatusEvent to msg's channel if it implements
// channels.StatusAdapter, silently doing nothing otherwise: spec.md §4.4
// allows channels to drop status events they cannot render.
func (s *server) sendStatus(ctx context.Context, msg *models.Message, event models.StatusEvent) {
	adapter, ok := s.registry.GetStatus(msg.Channel)
	if !ok {
		return
	}
	if err := adapter.SendStatus(ctx, msg, event); err != nil {
		s.logger.Debug("send status failed", "error", err, "channel", msg.Channel)
	}
}

// dispatchSink builds the agent.EventSink for one Run/Resume/Reject call:
// it relays tool lifecycle and run-error events to originalMsg's channel
// as StatusEvents and persists tool call/result audit records via
// s.toolEvents.
func (s *server) dispatchSink(originalMsg *models.Message, sessionID string) agent.EventSink {
	return &dispatchEventSink{server: s, originalMsg: originalMsg, sessionID: sessionID}
}

type dispatchEventSink struct {
	server      *server
	originalMsg *models.Message
	sessionID   string
}

func (d *dispatchEventSink) Emit(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventToolStarted:
		if e.Tool == nil {
			return
		}
		d.server.sendStatus(ctx, d.originalMsg, models.StatusEvent{Kind: models.StatusToolStarted, ToolName: e.Tool.Name})
		if d.server.toolEvents != nil {
			if err := d.server.toolEvents.AddToolCall(ctx, d.sessionID, "", &sessions.ToolCall{
				ID:        e.Tool.CallID,
				ToolName:  e.Tool.Name,
				InputJSON: e.Tool.ArgsJSON,
			}); err != nil {
				d.server.logger.Warn("record tool call failed", "error", err, "session_id", d.sessionID, "tool", e.Tool.Name)
			}
		}

	case models.AgentEventToolFinished:
		if e.Tool == nil {
			return
		}
		d.server.sendStatus(ctx, d.originalMsg, models.StatusEvent{Kind: models.StatusToolCompleted, ToolName: e.Tool.Name, Success: e.Tool.Success})
		d.server.sendStatus(ctx, d.originalMsg, models.StatusEvent{Kind: models.StatusToolResult, ToolName: e.Tool.Name, Preview: truncate(string(e.Tool.ResultJSON), statusPreviewLimit)})
		if d.server.toolEvents != nil {
			if err := d.server.toolEvents.AddToolResult(ctx, d.sessionID, "", e.Tool.CallID, &sessions.ToolResult{
				IsError: !e.Tool.Success,
				Content: string(e.Tool.ResultJSON),
			}); err != nil {
				d.server.logger.Warn("record tool result failed", "error", err, "session_id", d.sessionID, "tool", e.Tool.Name)
			}
		}

	case models.AgentEventRunError:
		if e.Error == nil {
			return
		}
		d.server.sendStatus(ctx, d.originalMsg, models.StatusEvent{Kind: models.StatusError, Message: e.Error.Message})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// registerApprovalCommands wires the tool-approval resume path onto the
// slash-command registry: distinct from registerCardCommands' Approve/
// Dismiss/Edit/Refine, these act on a Thread's PendingApproval and
// re-enter the agentic loop rather than acting on an already-rendered
// card.
func (s *server) registerApprovalCommands() {
	must := func(cmd *commands.Command) {
		if err := s.commands.Register(cmd); err != nil {
			panic(fmt.Sprintf("failed to register approval command %q: %v", cmd.Name, err))
		}
	}

	routeFromInvocation := func(inv *commands.Invocation) *models.Message {
		channel, _ := inv.Context["channel"].(string)
		return &models.Message{Channel: models.ChannelType(channel), ChannelID: inv.ChannelID}
	}

	must(&commands.Command{
		Name:        "approve-tool",
		Description: "Approve a tool call a thread is suspended awaiting",
		Usage:       "/approve-tool <thread_id>",
		AcceptsArgs: true,
		Category:    "approval",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
			threadID := strings.TrimSpace(inv.Args)
			if threadID == "" {
				return &commands.Result{Error: "usage: /approve-tool <thread_id>"}, nil
			}
			if err := s.resumeThread(ctx, routeFromInvocation(inv), threadID, true, ""); err != nil {
				return &commands.Result{Error: err.Error()}, nil
			}
			return &commands.Result{Suppress: true}, nil
		},
	})

	must(&commands.Command{
		Name:        "reject-tool",
		Description: "Reject a tool call a thread is suspended awaiting",
		Usage:       "/reject-tool <thread_id> [reason]",
		AcceptsArgs: true,
		Category:    "approval",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
			threadID, reason, _ := splitFirstToken(inv.Args)
			if threadID == "" {
				threadID = strings.TrimSpace(inv.Args)
			}
			if threadID == "" {
				return &commands.Result{Error: "usage: /reject-tool <thread_id> [reason]"}, nil
			}
			if err := s.resumeThread(ctx, routeFromInvocation(inv), threadID, false, reason); err != nil {
				return &commands.Result{Error: err.Error()}, nil
			}
			return &commands.Result{Suppress: true}, nil
		},
	})
}

func (s *server) handleCommand(ctx context.Context, msg *models.Message, parsed *commands.ParsedCommand) {
	inv := &commands.Invocation{
		Name:      parsed.Name,
		Args:      parsed.Args,
		RawText:   msg.Content,
		ChannelID: msg.ChannelID,
		Context: map[string]any{
			"channel":    string(msg.Channel),
			"channel_id": msg.ChannelID,
		},
	}

	res, err := s.commands.Execute(ctx, inv)
	if err != nil {
		s.logger.Warn("command execution failed", "command", parsed.Name, "error", err)
		return
	}
	if res.Suppress || res.Text == "" {
		return
	}

	s.sendReply(ctx, msg.Channel, &models.Message{
		SessionID: msg.SessionID,
		Channel:   msg.Channel,
		ChannelID: msg.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   res.Text,
	})
}

func (s *server) sendReply(ctx context.Context, channel models.ChannelType, reply *models.Message) {
	outbound, ok := s.registry.GetOutbound(channel)
	if !ok {
		s.logger.Warn("no outbound adapter for channel", "channel", channel)
		return
	}
	if err := outbound.Send(ctx, reply); err != nil {
		s.logger.Error("send reply failed", "error", err, "channel", channel)
	}
}

func toChatHistory(history []*models.Message) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(history))
	for _, m := range history {
		role := m.Role
		if role == "" {
			if m.Direction == models.DirectionOutbound {
				role = models.RoleAssistant
			} else {
				role = models.RoleUser
			}
		}
		out = append(out, models.ChatMessage{
			Role:      role,
			Content:   m.Content,
			ToolCalls: m.ToolCalls,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

// registerCardCommands wires the spec.md §7 client-action surface
// (Approve/Dismiss/Edit/Refine) onto the slash-command registry so any
// connected channel can act on a pending card by id.
func registerCardCommands(r *commands.Registry, queue cardActionQueue) {
	must := func(cmd *commands.Command) {
		if err := r.Register(cmd); err != nil {
			panic(fmt.Sprintf("failed to register card command %q: %v", cmd.Name, err))
		}
	}

	must(&commands.Command{
		Name:        "approve",
		Description: "Approve a pending card",
		Usage:       "/approve <card_id>",
		AcceptsArgs: true,
		Category:    "cards",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
			id := strings.TrimSpace(inv.Args)
			if id == "" {
				return &commands.Result{Error: "usage: /approve <card_id>"}, nil
			}
			if err := queue.Approve(ctx, id); err != nil {
				return &commands.Result{Error: err.Error()}, nil
			}
			return &commands.Result{Text: fmt.Sprintf("Approved card %s.", id)}, nil
		},
	})

	must(&commands.Command{
		Name:        "dismiss",
		Description: "Dismiss a pending card",
		Usage:       "/dismiss <card_id>",
		AcceptsArgs: true,
		Category:    "cards",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
			id := strings.TrimSpace(inv.Args)
			if id == "" {
				return &commands.Result{Error: "usage: /dismiss <card_id>"}, nil
			}
			if err := queue.Dismiss(ctx, id); err != nil {
				return &commands.Result{Error: err.Error()}, nil
			}
			return &commands.Result{Text: fmt.Sprintf("Dismissed card %s.", id)}, nil
		},
	})

	must(&commands.Command{
		Name:        "edit",
		Description: "Replace a card's text and approve it",
		Usage:       "/edit <card_id> <new text>",
		AcceptsArgs: true,
		Category:    "cards",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
			id, text, ok := splitFirstToken(inv.Args)
			if !ok {
				return &commands.Result{Error: "usage: /edit <card_id> <new text>"}, nil
			}
			if err := queue.Edit(ctx, id, text); err != nil {
				return &commands.Result{Error: err.Error()}, nil
			}
			return &commands.Result{Text: fmt.Sprintf("Edited and approved card %s.", id)}, nil
		},
	})

	must(&commands.Command{
		Name:        "refine",
		Description: "Regenerate a card's content from an instruction",
		Usage:       "/refine <card_id> <instruction>",
		AcceptsArgs: true,
		Category:    "cards",
		Source:      "builtin",
		Handler: func(ctx context.Context, inv *commands.Invocation) (*commands.Result, error) {
			id, instruction, ok := splitFirstToken(inv.Args)
			if !ok {
				return &commands.Result{Error: "usage: /refine <card_id> <instruction>"}, nil
			}
			if err := queue.Refine(ctx, id, instruction); err != nil {
				return &commands.Result{Error: err.Error()}, nil
			}
			return &commands.Result{Text: fmt.Sprintf("Refining card %s...", id)}, nil
		},
	})
}

// cardActionQueue narrows *cards.Queue to the four client actions, kept
// as an interface here so dispatch.go does not need to import the cards
// package directly for anything but this registration call.
type cardActionQueue interface {
	Approve(ctx context.Context, id string) error
	Dismiss(ctx context.Context, id string) error
	Edit(ctx context.Context, id, newText string) error
	Refine(ctx context.Context, id, instruction string) error
}

// providerChatCompleter adapts an agent.LLMProvider's streaming Complete
// call to compaction.ChatCompleter's single-string-result shape, so the
// same provider instance powers both the agentic loop and transcript
// summarization.
type providerChatCompleter struct {
	provider agent.LLMProvider
	model    string
}

func (c providerChatCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error) {
	chunks, err := c.provider.Complete(ctx, &agent.CompletionRequest{
		Model:       c.model,
		System:      systemPrompt,
		Messages:    []agent.CompletionMessage{{Role: "user", Content: userPrompt}},
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		sb.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}

func splitFirstToken(s string) (first, rest string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}
