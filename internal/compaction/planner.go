package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dlowe/steward/pkg/models"
)

// Word-based token accounting and the fraction-of-window threshold table.
const (
	WordsPerToken = 1.3

	ThresholdSummarizeKeep10 = 0.8
	ThresholdSummarizeKeep5  = 0.9
	ThresholdTruncate        = 0.95
)

// PlanKind names a compaction strategy.
type PlanKind string

const (
	PlanNone      PlanKind = "none"
	PlanSummarize PlanKind = "summarize"
	PlanTruncate  PlanKind = "truncate"
	PlanArchive   PlanKind = "archive"
)

// CompactionPlan is the decision a Planner reaches for a transcript: do
// nothing, or archive everything older than the last KeepRecent turns.
type CompactionPlan struct {
	Kind       PlanKind
	KeepRecent int
}

func (p CompactionPlan) String() string {
	if p.Kind == PlanNone {
		return string(PlanNone)
	}
	return fmt.Sprintf("%s(keep=%d)", p.Kind, p.KeepRecent)
}

// EstimateWordTokens approximates token count as words * 1.3, summed across
// every message's content. This is the accounting spec.md's threshold table
// is defined against, distinct from the char-based EstimateTokens used by
// the chunked multi-stage summarizer below.
func EstimateWordTokens(messages []models.ChatMessage) int {
	total := 0.0
	for _, m := range messages {
		total += float64(len(strings.Fields(m.Content))) * WordsPerToken
	}
	return int(total + 0.5)
}

// DecidePlan applies the fraction-of-window threshold table to a transcript.
// windowTokens <= 0 falls back to DefaultContextWindow.
func DecidePlan(messages []models.ChatMessage, windowTokens int) CompactionPlan {
	if windowTokens <= 0 {
		windowTokens = DefaultContextWindow
	}
	frac := float64(EstimateWordTokens(messages)) / float64(windowTokens)

	switch {
	case frac < ThresholdSummarizeKeep10:
		return CompactionPlan{Kind: PlanNone}
	case frac < ThresholdSummarizeKeep5:
		return CompactionPlan{Kind: PlanSummarize, KeepRecent: 10}
	case frac < ThresholdTruncate:
		return CompactionPlan{Kind: PlanSummarize, KeepRecent: 5}
	default:
		return CompactionPlan{Kind: PlanTruncate, KeepRecent: 3}
	}
}

// splitTurns separates a leading system message (if any) from the rest of
// the transcript, then groups what remains into turns: a turn starts at a
// RoleUser message and extends through every message up to (but not
// including) the next RoleUser message. Because a tool call and its
// RoleTool result always occur between the same pair of user messages, this
// grouping guarantees a turn boundary never falls between a call and its
// result.
func splitTurns(messages []models.ChatMessage) (leadingSystem *models.ChatMessage, turns [][]models.ChatMessage) {
	start := 0
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		sys := messages[0]
		leadingSystem = &sys
		start = 1
	}

	var current []models.ChatMessage
	for i := start; i < len(messages); i++ {
		m := messages[i]
		if m.Role == models.RoleUser && len(current) > 0 {
			turns = append(turns, current)
			current = nil
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		turns = append(turns, current)
	}
	return leadingSystem, turns
}

// TurnSummarizer produces a natural-language summary of archived turns.
type TurnSummarizer interface {
	SummarizeTurns(ctx context.Context, turns [][]models.ChatMessage) (string, error)
}

// Result reports the outcome of executing a CompactionPlan.
type Result struct {
	Plan           CompactionPlan
	Messages       []models.ChatMessage
	TurnsRemoved   int
	TokensBefore   int
	TokensAfter    int
	SummaryWritten bool
}

// Planner decides and executes compaction plans for a thread's transcript.
type Planner struct {
	WindowTokens int
	Summarizer   TurnSummarizer
	Archive      *ArchiveWriter
}

// NewPlanner builds a Planner. summarizer may be nil if only Truncate plans
// will ever be executed; archive may be nil to skip writing an archive file.
func NewPlanner(windowTokens int, summarizer TurnSummarizer, archive *ArchiveWriter) *Planner {
	if windowTokens <= 0 {
		windowTokens = DefaultContextWindow
	}
	return &Planner{WindowTokens: windowTokens, Summarizer: summarizer, Archive: archive}
}

// Suggest reports the plan DecidePlan would pick for the given transcript.
func (p *Planner) Suggest(messages []models.ChatMessage) CompactionPlan {
	return DecidePlan(messages, p.WindowTokens)
}

// Execute runs plan against messages, returning the rebuilt transcript. The
// leading system message, if any, always survives; a PlanNone or a plan
// whose KeepRecent already covers every turn is a no-op.
func (p *Planner) Execute(ctx context.Context, threadID string, messages []models.ChatMessage, plan CompactionPlan) (*Result, error) {
	result := &Result{Plan: plan, Messages: messages, TokensBefore: EstimateWordTokens(messages)}

	if plan.Kind == PlanNone {
		result.TokensAfter = result.TokensBefore
		return result, nil
	}

	leadingSystem, turns := splitTurns(messages)
	keep := plan.KeepRecent
	if keep < 0 {
		keep = 0
	}
	if keep >= len(turns) {
		result.TokensAfter = result.TokensBefore
		return result, nil
	}

	archived := turns[:len(turns)-keep]
	kept := turns[len(turns)-keep:]

	rebuilt := make([]models.ChatMessage, 0, len(messages))
	if leadingSystem != nil {
		rebuilt = append(rebuilt, *leadingSystem)
	}

	var summary string
	switch plan.Kind {
	case PlanSummarize:
		if p.Summarizer == nil {
			return nil, fmt.Errorf("compaction: %s plan requires a TurnSummarizer", plan.Kind)
		}
		var err error
		summary, err = p.Summarizer.SummarizeTurns(ctx, archived)
		if err != nil {
			return nil, fmt.Errorf("summarizing archived turns: %w", err)
		}
		rebuilt = append(rebuilt, models.ChatMessage{
			Role:      models.RoleSystem,
			Content:   fmt.Sprintf("[compacted %d earlier turns]\n%s", len(archived), summary),
			CreatedAt: time.Now(),
		})
	case PlanArchive:
		summary = formatTurnsVerbatim(archived)
	case PlanTruncate:
		// archived turns are simply dropped, no synthetic message and no
		// summary to write.
	default:
		return nil, fmt.Errorf("compaction: unknown plan kind %q", plan.Kind)
	}

	for _, turn := range kept {
		rebuilt = append(rebuilt, turn...)
	}

	if p.Archive != nil && plan.Kind != PlanTruncate {
		if err := p.Archive.Write(threadID, archived, summary); err != nil {
			return nil, fmt.Errorf("writing compaction archive: %w", err)
		}
		result.SummaryWritten = true
	}

	result.Messages = rebuilt
	result.TurnsRemoved = len(archived)
	result.TokensAfter = EstimateWordTokens(rebuilt)
	return result, nil
}

func formatTurnsVerbatim(turns [][]models.ChatMessage) string {
	var sb strings.Builder
	for _, turn := range turns {
		for _, m := range turn {
			fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
		}
	}
	return sb.String()
}

// ArchiveWriter appends compacted turns to a per-day markdown file, the way
// sessions.MemoryLogger journals messages to a daily log.
type ArchiveWriter struct {
	dir string
	mu  sync.Mutex
}

// NewArchiveWriter creates a writer rooted at dir (defaults to "compactions").
func NewArchiveWriter(dir string) *ArchiveWriter {
	if strings.TrimSpace(dir) == "" {
		dir = "compactions"
	}
	return &ArchiveWriter{dir: dir}
}

// Write appends one compaction record to today's archive file.
func (w *ArchiveWriter) Write(threadID string, turns [][]models.ChatMessage, summary string) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create compaction archive dir: %w", err)
	}

	filename := filepath.Join(w.dir, time.Now().Format("2006-01-02")+".md")

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open compaction archive: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s — thread %s, %d turns\n\n", time.Now().Format(time.RFC3339), threadID, len(turns))
	if summary != "" {
		fmt.Fprintf(&sb, "%s\n\n", summary)
	}

	_, err = f.WriteString(sb.String())
	return err
}

// ChatCompleter is the minimal LLM surface the default summarizer needs: one
// bounded, low-temperature completion call.
type ChatCompleter interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)
}

// SummarizeTemperature is the fixed low temperature spec.md calls for when
// summarizing archived turns.
const SummarizeTemperature = 0.2

// LLMTurnSummarizer adapts the package's chunked multi-stage summarization
// helpers (EstimateTokens, ChunkMessagesByMaxTokens, SummarizeChunks,
// SummarizeInStages) to operate on turns of models.ChatMessage, so the
// Planner reuses the same substrate regardless of how large an archived
// span of turns is.
type LLMTurnSummarizer struct {
	Completer ChatCompleter
	Config    *SummarizationConfig
}

// NewLLMTurnSummarizer builds a summarizer backed by completer.
func NewLLMTurnSummarizer(completer ChatCompleter, config *SummarizationConfig) *LLMTurnSummarizer {
	if config == nil {
		config = DefaultSummarizationConfig()
	}
	return &LLMTurnSummarizer{Completer: completer, Config: config}
}

// SummarizeTurns flattens turns into compaction.Message values and runs them
// through SummarizeInStages.
func (s *LLMTurnSummarizer) SummarizeTurns(ctx context.Context, turns [][]models.ChatMessage) (string, error) {
	var flat []*Message
	for _, turn := range turns {
		for _, m := range turn {
			flat = append(flat, &Message{
				Role:      string(m.Role),
				Content:   m.Content,
				ToolCalls: formatToolCallsForSummary(m.ToolCalls),
				Timestamp: m.CreatedAt.Unix(),
			})
		}
	}
	return SummarizeInStages(ctx, flat, chatCompleterSummarizer{s.Completer}, s.Config)
}

type chatCompleterSummarizer struct{ completer ChatCompleter }

func (a chatCompleterSummarizer) GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error) {
	system := "Summarize the conversation concisely, preserving key decisions, facts, and pending work."
	if config.CustomInstructions != "" {
		system = system + "\n" + config.CustomInstructions
	}
	maxTokens := config.ReserveTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return a.completer.Complete(ctx, system, FormatMessagesForSummary(messages), maxTokens, SummarizeTemperature)
}

func formatToolCallsForSummary(calls []models.ToolCall) string {
	if len(calls) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, c := range calls {
		fmt.Fprintf(&sb, "%s(%s) ", c.Name, string(c.Input))
	}
	return sb.String()
}
