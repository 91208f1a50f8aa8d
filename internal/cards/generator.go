package cards

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dlowe/steward/internal/agent"
	"github.com/dlowe/steward/pkg/models"
)

const generatorSystemPrompt = `You suggest up to %d short candidate replies a user could send as-is in
response to the message below. Respond with ONLY a JSON array, no prose,
of objects shaped like {"text": "...", "confidence": 0.0-1.0}. Omit any
reply you are not reasonably confident about.`

// Generator produces Reply suggestion cards for inbound messages,
// fire-and-forget, grounded on the teacher's asynchronous job dispatch in
// internal/agent/loop.go (queueAsyncJob/runToolJob): the agentic loop never
// waits on card generation, and a generation failure is logged, never
// propagated back to the message-handling path.
type Generator struct {
	provider        agent.LLMProvider
	queue           *Queue
	confidenceFloor float64
	maxCards        int
	model           string
	maxTokens       int
	logger          *slog.Logger
}

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	ConfidenceFloor float64
	MaxCards        int
	Model           string
	MaxTokens       int
}

// NewGenerator creates a Generator that calls provider at low temperature
// and pushes resulting Reply cards onto queue.
func NewGenerator(provider agent.LLMProvider, queue *Queue, cfg GeneratorConfig, logger *slog.Logger) *Generator {
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.55
	}
	if cfg.MaxCards <= 0 {
		cfg.MaxCards = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		provider:        provider,
		queue:           queue,
		confidenceFloor: cfg.ConfidenceFloor,
		maxCards:        cfg.MaxCards,
		model:           cfg.Model,
		maxTokens:       cfg.MaxTokens,
		logger:          logger.With("component", "cards.generator"),
	}
}

// GenerateAsync spawns a background goroutine that generates Reply cards
// for msg and pushes any that clear the confidence floor onto the queue.
// It returns immediately; callers must not wait on it to preserve the
// agentic loop's critical path.
func (g *Generator) GenerateAsync(ctx context.Context, msg *models.Message, threadID, sessionID string) {
	if g == nil || g.provider == nil || msg == nil || strings.TrimSpace(msg.Content) == "" {
		return
	}
	go func() {
		genCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.generate(genCtx, msg, threadID, sessionID); err != nil {
			g.logger.Warn("card generation failed", "thread_id", threadID, "error", err)
		}
	}()
}

func (g *Generator) generate(ctx context.Context, msg *models.Message, threadID, sessionID string) error {
	temperature := 0.3
	req := &agent.CompletionRequest{
		Model:       g.model,
		System:      fmt.Sprintf(generatorSystemPrompt, g.maxCards),
		Messages:    []agent.CompletionMessage{{Role: "user", Content: msg.Content}},
		MaxTokens:   g.maxTokens,
		Temperature: &temperature,
	}

	chunks, err := g.provider.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return fmt.Errorf("stream: %w", chunk.Error)
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}

	suggestions, err := parseSuggestions(text.String())
	if err != nil {
		return fmt.Errorf("parse suggestions: %w", err)
	}

	pushed := 0
	now := time.Now()
	for _, sug := range suggestions {
		if pushed >= g.maxCards {
			break
		}
		if sug.Confidence < g.confidenceFloor {
			continue
		}
		card := &models.ApprovalCard{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			SessionID: sessionID,
			Silo:      models.SiloMessages,
			Type:      models.CardReply,
			Status:    models.CardPending,
			ReplyPayload: &models.ReplyPayload{
				Text:       sug.Text,
				Confidence: sug.Confidence,
			},
			CreatedAt: now,
			ExpiresAt: now.Add(15 * time.Minute),
			UpdatedAt: now,
		}
		if err := g.queue.Push(ctx, card); err != nil {
			return fmt.Errorf("push card: %w", err)
		}
		pushed++
	}
	return nil
}

const refineSystemPrompt = `You are revising a previously suggested reply based on a human's
instruction. Respond with ONLY a JSON object shaped like
{"text": "...", "confidence": 0.0-1.0} containing the revised reply.`

// Refine regenerates card's payload from a human instruction, satisfying
// the Refiner function type that Queue.Refine calls. Only Reply cards can
// be refined today; Compose/Action/Decision cards have no single
// regenerable text field.
func (g *Generator) Refine(ctx context.Context, card *models.ApprovalCard, instruction string) (*models.ApprovalCard, error) {
	if card.ReplyPayload == nil {
		return nil, fmt.Errorf("cards: only reply cards can be refined")
	}
	temperature := 0.3
	req := &agent.CompletionRequest{
		Model:  g.model,
		System: refineSystemPrompt,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: fmt.Sprintf("Original reply: %q\nInstruction: %s", card.ReplyPayload.Text, instruction)},
		},
		MaxTokens:   g.maxTokens,
		Temperature: &temperature,
	}

	chunks, err := g.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, fmt.Errorf("stream: %w", chunk.Error)
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}

	raw := strings.TrimSpace(text.String())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in refine response")
	}
	var sug suggestion
	if err := json.Unmarshal([]byte(raw[start:end+1]), &sug); err != nil {
		return nil, fmt.Errorf("unmarshal refined reply: %w", err)
	}

	refreshed := *card
	refreshed.ReplyPayload = &models.ReplyPayload{Text: sug.Text, Confidence: sug.Confidence}
	return &refreshed, nil
}

type suggestion struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// parseSuggestions extracts the JSON array of suggestions from the model's
// response, tolerating surrounding prose or a fenced code block since not
// every model obeys "respond with ONLY a JSON array" precisely.
func parseSuggestions(raw string) ([]suggestion, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array found in response")
	}
	var suggestions []suggestion
	if err := json.Unmarshal([]byte(raw[start:end+1]), &suggestions); err != nil {
		return nil, fmt.Errorf("unmarshal suggestions: %w", err)
	}
	return suggestions, nil
}
