package cards

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dlowe/steward/pkg/models"
)

// Queue owns the pending-card state machine: push, transition, sync_snapshot
// and sweep all serialize through a single mutex, following the
// single-writer-with-RWMutex-protected-map discipline of
// internal/agent/approval.go's MemoryApprovalStore. Persistence is
// delegated to a Store; broadcast fan-out to a Broadcaster.
type Queue struct {
	mu          sync.Mutex
	pending     map[string]*models.ApprovalCard
	store       Store
	broadcaster *Broadcaster
	logger      *slog.Logger
	refiner     Refiner
}

// NewQueue creates a Queue backed by store and wired to broadcaster.
func NewQueue(store Store, broadcaster *Broadcaster, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		pending:     make(map[string]*models.ApprovalCard),
		store:       store,
		broadcaster: broadcaster,
		logger:      logger.With("component", "cards.queue"),
	}
}

// Push persists a new pending card and broadcasts NewCard plus an updated
// SiloCounts to the card's thread.
func (q *Queue) Push(ctx context.Context, card *models.ApprovalCard) error {
	if card == nil {
		return fmt.Errorf("card is required")
	}
	if card.Status == "" {
		card.Status = models.CardPending
	}
	now := time.Now()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.UpdatedAt = now

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Create(ctx, card); err != nil {
		return fmt.Errorf("push card: %w", err)
	}
	q.pending[card.ID] = card

	q.broadcaster.Publish(card.ThreadID, models.CardEvent{Type: models.EventNewCard, Card: card})
	q.broadcastCounts(card.ThreadID)
	return nil
}

// Transition moves a card to a new status, rejecting illegal edges per
// models.CanTransitionCard, and broadcasts CardUpdate plus refreshed
// SiloCounts. Expiring a card (to CardExpired) is handled by Sweep, which
// calls transitionLocked directly to avoid re-locking.
func (q *Queue) Transition(ctx context.Context, id string, to models.CardStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transitionLocked(ctx, id, to)
}

func (q *Queue) transitionLocked(ctx context.Context, id string, to models.CardStatus) error {
	card, ok := q.pending[id]
	if !ok {
		var err error
		card, err = q.store.Get(ctx, id)
		if err != nil {
			return err
		}
	}
	if !models.CanTransitionCard(card.Status, to) {
		return ErrIllegalTransition
	}
	now := time.Now()
	if err := q.store.UpdateStatus(ctx, id, to, now); err != nil {
		return err
	}
	card.Status = to
	card.UpdatedAt = now

	eventType := models.EventCardUpdate
	if to == models.CardExpired {
		eventType = models.EventCardExpired
	}
	if to != models.CardPending {
		delete(q.pending, id)
	}

	q.broadcaster.Publish(card.ThreadID, models.CardEvent{Type: eventType, CardID: id, Status: to, Card: card})
	q.broadcastCounts(card.ThreadID)
	return nil
}

// SyncSnapshot returns the currently pending cards for threadID (or all
// pending cards when threadID is empty).
func (q *Queue) SyncSnapshot(ctx context.Context, threadID string) ([]*models.ApprovalCard, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.ListPending(ctx, threadID)
}

// Subscribe registers a broadcaster subscription for threadID and replays
// an immediate CardsSync snapshot so a newly-connected or reconnected
// client never has to diff itself back into a consistent view.
func (q *Queue) Subscribe(ctx context.Context, threadID string) (<-chan models.CardEvent, func(), error) {
	snapshot, err := q.SyncSnapshot(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	id, events, unsubscribe := q.broadcaster.Subscribe(threadID)
	q.broadcaster.Send(id, models.CardEvent{Type: models.EventCardsSync, Snapshot: snapshot})
	return events, unsubscribe, nil
}

// Sweep expires every pending card whose ExpiresAt has passed, broadcasting
// one CardExpired event per card. Grounded on spec.md's card-TTL-sweep test
// scenario: called on a ticker or cron schedule by Sweeper.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	expired, err := q.store.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep: list expired cards: %w", err)
	}
	count := 0
	for _, card := range expired {
		if err := q.transitionLocked(ctx, card.ID, models.CardExpired); err != nil {
			q.logger.Warn("sweep: failed to expire card", "card_id", card.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (q *Queue) broadcastCounts(threadID string) {
	counts, err := q.store.ListPending(context.Background(), threadID)
	if err != nil {
		q.logger.Warn("failed to compute silo counts", "thread_id", threadID, "error", err)
		return
	}
	var siloCounts models.SiloCounts
	for _, card := range counts {
		switch card.Silo {
		case models.SiloMessages:
			siloCounts.Messages++
		case models.SiloTodos:
			siloCounts.Todos++
		case models.SiloCalendar:
			siloCounts.Calendar++
		}
	}
	q.broadcaster.Publish(threadID, models.CardEvent{Type: models.EventSiloCounts, Counts: &siloCounts})
}
