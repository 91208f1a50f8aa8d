package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/dlowe/steward/internal/tools/policy"
	"github.com/dlowe/steward/pkg/models"
)

// MaxIterations is the hard ceiling on agentic loop iterations per run.
// Exceeding it always terminates the run with an error rather than
// looping forever against a provider that keeps requesting tools.
const MaxIterations = 10

// maxNudges bounds how many times the loop will prompt a tool-capable
// model that answered in plain text to reconsider using its tools.
const maxNudges = 2

// nudgeIterationCeiling is the last iteration (exclusive) during which a
// nudge may fire. Nudging a model deep into a long-running conversation
// does more harm than good, so the window is narrow and early.
const nudgeIterationCeiling = 3

const nudgeText = "If a tool would help answer this, please use it before replying."

// LoopOutcome discriminates the three ways a Run can end.
type LoopOutcome string

const (
	OutcomeResponse     LoopOutcome = "response"
	OutcomeNeedApproval LoopOutcome = "need_approval"
	OutcomeError        LoopOutcome = "error"
)

// LoopResult is the terminal value of a Run call.
type LoopResult struct {
	Outcome LoopOutcome

	// Text is set when Outcome == OutcomeResponse.
	Text string

	// PendingApproval is set when Outcome == OutcomeNeedApproval; it
	// carries the full transcript through the assistant's tool-call
	// message so the run can be resumed without in-memory state.
	PendingApproval *models.PendingApproval

	// Err is set when Outcome == OutcomeError.
	Err error

	// History is the final working transcript, regardless of outcome.
	History []models.ChatMessage

	Iterations    int
	ToolCallCount int
}

// RunInput bundles everything a single Run call needs: the message
// history to continue from, the system prompt to prefix it with (if
// absent), and the resumption flag described in spec.md's Agentic Loop
// Executor contract.
type RunInput struct {
	AgentID   string
	SessionID string
	ThreadID  string

	SystemPrompt string
	History      []models.ChatMessage

	// ResumeAfterTool is true when re-entering after a human resolved a
	// PendingApproval: the caller has already executed the approved
	// tool and appended its ToolResult to History.
	ResumeAfterTool bool

	// Interrupted is polled at each iteration boundary and before tool
	// results are appended; a true return aborts the run cooperatively.
	Interrupted func() bool

	// Sink, if set, receives lifecycle and streaming events as the loop
	// progresses. A nil Sink disables event emission entirely.
	Sink EventSink

	Model     string
	MaxTokens int
}

// LoopRunner is the Agentic Loop Executor: it drives one Thread's Turn to
// completion (a final text response), suspension (pending approval), or
// failure, streaming LLM text and executing tool calls along the way.
type LoopRunner struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *ToolExecutor
	approval *ApprovalChecker
	guard    ToolResultGuard
	resolver *policy.Resolver
	safety   *SafetyValidator
	opts     RuntimeOptions
}

// NewLoopRunner builds a LoopRunner. provider and registry must be
// non-nil; executor, approval checker, result guard, and tool-name
// resolver are all optional (nil disables the corresponding behavior).
// The safety validator always runs: spec.md §7 treats tool-argument
// validation as an unconditional gate, not an opt-in policy.
func NewLoopRunner(provider LLMProvider, registry *ToolRegistry, executor *ToolExecutor, opts RuntimeOptions) *LoopRunner {
	return &LoopRunner{
		provider: provider,
		registry: registry,
		executor: executor,
		approval: opts.ApprovalChecker,
		guard:    opts.ToolResultGuard,
		safety:   NewSafetyValidator(),
		opts:     opts,
	}
}

// WithResolver sets the tool-name resolver used to canonicalize tool
// names before matching approval/async patterns.
func (l *LoopRunner) WithResolver(r *policy.Resolver) *LoopRunner {
	l.resolver = r
	return l
}

// Run executes the agentic loop described in spec.md §4.2: it alternates
// querying the LLM and executing the tool calls it requests, until the
// model replies with plain text, a tool call requires approval it hasn't
// been granted, the thread is interrupted, or the iteration cap is hit.
func (l *LoopRunner) Run(ctx context.Context, in RunInput) LoopResult {
	history := repairTranscript(append([]models.ChatMessage(nil), in.History...))
	if len(history) == 0 || history[0].Role != models.RoleSystem {
		if in.SystemPrompt != "" {
			sys := models.ChatMessage{Role: models.RoleSystem, Content: in.SystemPrompt, CreatedAt: time.Now()}
			history = append([]models.ChatMessage{sys}, history...)
		}
	}

	if err := models.ValidateTranscript(history); err != nil {
		return LoopResult{Outcome: OutcomeError, Err: &LoopError{Phase: PhaseInit, Message: err.Error()}, History: history}
	}

	toolsExecuted := in.ResumeAfterTool
	nudgesFired := 0
	toolCallTotal := 0

	tools := l.registry.AsLLMTools()
	toolsAvailable := len(tools) > 0

	l.emit(ctx, in, models.AgentEvent{Type: models.AgentEventRunStarted, RunID: in.ThreadID, Time: time.Now()})

	iteration := 0
	for {
		iteration++
		if iteration > MaxIterations {
			return l.fail(in, history, iteration, &LoopError{Phase: PhaseStream, Iteration: iteration, Message: "exceeded max iterations"})
		}
		if l.interrupted(in) {
			return l.fail(in, history, iteration, &LoopError{Phase: PhaseStream, Iteration: iteration, Message: "thread interrupted"})
		}

		l.emit(ctx, in, models.AgentEvent{Type: models.AgentEventIterStarted, RunID: in.ThreadID, IterIndex: iteration, Time: time.Now()})

		text, calls, err := l.stream(ctx, in, history, tools)
		if err != nil {
			return l.fail(in, history, iteration, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err})
		}

		if len(calls) == 0 {
			if !toolsExecuted && toolsAvailable && iteration < nudgeIterationCeiling && nudgesFired < maxNudges {
				nudgesFired++
				history = append(history,
					models.ChatMessage{Role: models.RoleAssistant, Content: text, CreatedAt: time.Now()},
					models.ChatMessage{Role: models.RoleUser, Content: nudgeText, CreatedAt: time.Now()},
				)
				l.emit(ctx, in, models.AgentEvent{Type: models.AgentEventIterFinished, RunID: in.ThreadID, IterIndex: iteration, Time: time.Now()})
				continue
			}
			l.emit(ctx, in, models.AgentEvent{Type: models.AgentEventRunFinished, RunID: in.ThreadID, Time: time.Now()})
			return LoopResult{Outcome: OutcomeResponse, Text: text, History: history, Iterations: iteration, ToolCallCount: toolCallTotal}
		}

		seen := make(map[string]bool, len(calls))
		for _, c := range calls {
			if c.ID != "" && seen[c.ID] {
				return l.fail(in, history, iteration, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Message: fmt.Sprintf("duplicate tool call id %q in one batch", c.ID)})
			}
			seen[c.ID] = true
		}

		history = append(history, models.ChatMessage{Role: models.RoleAssistant, Content: text, ToolCalls: calls, CreatedAt: time.Now()})

		if l.interrupted(in) {
			return l.fail(in, history, iteration, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Message: "thread interrupted"})
		}

		suspend, executed := l.executeBatch(ctx, in, &history, calls, iteration)
		toolCallTotal += len(calls)
		if suspend != nil {
			return *suspend
		}
		if executed {
			toolsExecuted = true
		}

		l.emit(ctx, in, models.AgentEvent{Type: models.AgentEventIterFinished, RunID: in.ThreadID, IterIndex: iteration, Time: time.Now()})
	}
}

// executeBatch runs one assistant message's tool calls in order, exactly
// as spec.md §4.2.e prescribes: a call requiring unapproved approval
// suspends the whole batch immediately, calls after it are never
// attempted, and the snapshot it returns freezes history as it stood
// right after the assistant's tool-call message.
func (l *LoopRunner) executeBatch(ctx context.Context, in RunInput, history *[]models.ChatMessage, calls []models.ToolCall, iteration int) (*LoopResult, bool) {
	executedAny := false
	for _, call := range calls {
		tool, ok := l.registry.Get(call.Name)
		if !ok {
			*history = append(*history, toolResultMessage(call.ID, "tool not found: "+call.Name, true))
			continue
		}

		if l.safety != nil {
			if err := l.safety.Validate(tool, call.Input); err != nil {
				return &LoopResult{
					Outcome:    OutcomeError,
					Err:        &LoopError{Phase: PhaseSafety, Iteration: iteration, Cause: err},
					History:    *history,
					Iterations: iteration,
				}, executedAny
			}
		}

		decision, reason := ApprovalAllowed, ""
		if l.approval != nil {
			decision, reason = l.approval.Check(ctx, in.AgentID, call)
		}

		switch decision {
		case ApprovalPending:
			pending := &models.PendingApproval{
				ID:         call.ID + "-approval",
				ThreadID:   in.ThreadID,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Input:      call.Input,
				History:    append([]models.ChatMessage(nil), *history...),
				Reason:     reason,
				CreatedAt:  time.Now(),
			}
			l.emit(ctx, in, models.AgentEvent{
				Type: models.AgentEventToolStarted, RunID: in.ThreadID, IterIndex: iteration,
				Tool: &models.ToolEventPayload{CallID: call.ID, Name: call.Name, ArgsJSON: call.Input},
			})
			return &LoopResult{Outcome: OutcomeNeedApproval, PendingApproval: pending, History: *history, Iterations: iteration}, executedAny

		case ApprovalDenied:
			*history = append(*history, toolResultMessage(call.ID, "tool call denied: "+reason, true))
			continue
		}

		if l.interrupted(in) {
			return &LoopResult{Outcome: OutcomeError, Err: &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Message: "thread interrupted"}, History: *history, Iterations: iteration}, executedAny
		}

		l.emit(ctx, in, models.AgentEvent{
			Type: models.AgentEventToolStarted, RunID: in.ThreadID, IterIndex: iteration,
			Tool: &models.ToolEventPayload{CallID: call.ID, Name: call.Name, ArgsJSON: call.Input},
		})

		started := time.Now()
		result := l.executeTool(ctx, call)
		result = guardToolResult(l.guard, call.Name, result, l.resolver)

		l.emit(ctx, in, models.AgentEvent{
			Type: models.AgentEventToolFinished, RunID: in.ThreadID, IterIndex: iteration,
			Tool: &models.ToolEventPayload{CallID: call.ID, Name: call.Name, Success: !result.IsError, Elapsed: time.Since(started), ResultJSON: []byte(result.Content)},
		})

		*history = append(*history, models.ChatMessage{
			Role: models.RoleTool, ToolCallID: call.ID, Content: result.Content, IsError: result.IsError, CreatedAt: time.Now(),
		})
		executedAny = true
	}
	return nil, executedAny
}

// executeTool runs a single tool call through the configured executor
// when present, falling back to a direct registry call otherwise.
func (l *LoopRunner) executeTool(ctx context.Context, call models.ToolCall) models.ToolResult {
	timeout := l.opts.ToolTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if l.executor != nil {
		results := l.executor.ExecuteConcurrently(toolCtx, []models.ToolCall{call}, nil)
		if len(results) > 0 {
			return results[0].Result
		}
		return models.ToolResult{ToolCallID: call.ID, Content: "tool execution produced no result", IsError: true}
	}

	res, err := l.registry.Execute(toolCtx, call.Name, call.Input)
	if err != nil {
		return models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	return models.ToolResult{ToolCallID: call.ID, Content: res.Content, IsError: res.IsError}
}

// Resume re-enters the loop after a human has approved a PendingApproval:
// it executes the previously-suspended tool call, appends its result to
// the snapshot history pending carries, and runs the loop forward with
// ResumeAfterTool set so no nudge fires for a turn that already used a
// tool.
func (l *LoopRunner) Resume(ctx context.Context, in RunInput, pending *models.PendingApproval) LoopResult {
	call := models.ToolCall{ID: pending.ToolCallID, Name: pending.ToolName, Input: pending.Input}

	l.emit(ctx, in, models.AgentEvent{
		Type: models.AgentEventToolStarted, RunID: in.ThreadID,
		Tool: &models.ToolEventPayload{CallID: call.ID, Name: call.Name, ArgsJSON: call.Input},
	})

	started := time.Now()
	result := l.executeTool(ctx, call)
	result = guardToolResult(l.guard, call.Name, result, l.resolver)

	l.emit(ctx, in, models.AgentEvent{
		Type: models.AgentEventToolFinished, RunID: in.ThreadID,
		Tool: &models.ToolEventPayload{CallID: call.ID, Name: call.Name, Success: !result.IsError, Elapsed: time.Since(started), ResultJSON: []byte(result.Content)},
	})

	history := append(append([]models.ChatMessage(nil), pending.History...),
		models.ChatMessage{Role: models.RoleTool, ToolCallID: call.ID, Content: result.Content, IsError: result.IsError, CreatedAt: time.Now()},
	)

	resumed := in
	resumed.History = history
	resumed.ResumeAfterTool = true
	return l.Run(ctx, resumed)
}

// Reject re-enters the loop after a human has denied a PendingApproval: it
// synthesizes a denial ToolResult in place of actually running the tool,
// then resumes exactly as Resume does.
func (l *LoopRunner) Reject(ctx context.Context, in RunInput, pending *models.PendingApproval, reason string) LoopResult {
	if reason == "" {
		reason = "denied by operator"
	}
	history := append(append([]models.ChatMessage(nil), pending.History...),
		toolResultMessage(pending.ToolCallID, "tool call denied: "+reason, true),
	)

	resumed := in
	resumed.History = history
	resumed.ResumeAfterTool = true
	return l.Run(ctx, resumed)
}

// stream queries the provider with the current history and tool set,
// draining its CompletionChunk stream into a single text/tool-calls
// pair. Per spec.md's tie-break rule, text arriving alongside tool
// calls is kept only as the assistant message's preface.
func (l *LoopRunner) stream(ctx context.Context, in RunInput, history []models.ChatMessage, tools []Tool) (string, []models.ToolCall, error) {
	req := &CompletionRequest{
		Model:     in.Model,
		Messages:  toCompletionMessages(history),
		Tools:     tools,
		MaxTokens: in.MaxTokens,
	}
	if len(history) > 0 && history[0].Role == models.RoleSystem {
		req.System = history[0].Content
		req.Messages = toCompletionMessages(history[1:])
	}

	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text string
	var calls []models.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, chunk.Error
		}
		if chunk.Text != "" {
			text += chunk.Text
			l.emit(ctx, in, models.AgentEvent{
				Type: models.AgentEventModelDelta, RunID: in.ThreadID,
				Stream: &models.StreamEventPayload{Delta: chunk.Text},
			})
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			break
		}
	}
	return text, calls, nil
}

func (l *LoopRunner) interrupted(in RunInput) bool {
	return in.Interrupted != nil && in.Interrupted()
}

func (l *LoopRunner) fail(in RunInput, history []models.ChatMessage, iteration int, err error) LoopResult {
	l.emit(context.Background(), in, models.AgentEvent{
		Type: models.AgentEventRunError, RunID: in.ThreadID,
		Error: &models.ErrorEventPayload{Message: err.Error(), Err: err},
	})
	return LoopResult{Outcome: OutcomeError, Err: err, History: history, Iterations: iteration}
}

func (l *LoopRunner) emit(ctx context.Context, in RunInput, e models.AgentEvent) {
	if in.Sink == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	in.Sink.Emit(ctx, e)
}

func toolResultMessage(toolCallID, content string, isError bool) models.ChatMessage {
	return models.ChatMessage{Role: models.RoleTool, ToolCallID: toolCallID, Content: content, IsError: isError, CreatedAt: time.Now()}
}

func toCompletionMessages(history []models.ChatMessage) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			out = append(out, CompletionMessage{
				Role:        "tool",
				ToolResults: []models.ToolResult{{ToolCallID: m.ToolCallID, Content: m.Content, IsError: m.IsError}},
			})
		default:
			out = append(out, CompletionMessage{
				Role:      string(m.Role),
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
			})
		}
	}
	return out
}
