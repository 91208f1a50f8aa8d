package cards

import (
	"context"
	"fmt"
	"time"

	"github.com/dlowe/steward/pkg/models"
)

// Refiner regenerates a card's payload from a human instruction. It is
// implemented by Generator; Queue depends only on this narrow function
// type to avoid an import cycle between the two files.
type Refiner func(ctx context.Context, card *models.ApprovalCard, instruction string) (*models.ApprovalCard, error)

// SetRefiner wires the regeneration callback used by Refine. Card
// generation and the queue are constructed separately (the generator needs
// a reference to the queue to push new cards), so the refiner is attached
// after both exist rather than threaded through NewQueue.
func (q *Queue) SetRefiner(refiner Refiner) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refiner = refiner
}

// Approve transitions a card to Approved. A card already Approved is a
// no-op per models.CanTransitionCard's reflexive edge.
func (q *Queue) Approve(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transitionLocked(ctx, id, models.CardApproved)
}

// Dismiss transitions a card to Dismissed.
func (q *Queue) Dismiss(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transitionLocked(ctx, id, models.CardDismissed)
}

// Edit replaces a Reply or Compose card's suggested text verbatim and
// transitions it to Approved, per spec: "Edit replaces the suggested reply
// verbatim and transitions the card to Approved."
func (q *Queue) Edit(ctx context.Context, id, newText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	card, ok := q.pending[id]
	if !ok {
		var err error
		card, err = q.store.Get(ctx, id)
		if err != nil {
			return err
		}
	}
	if !models.CanTransitionCard(card.Status, models.CardApproved) {
		return ErrIllegalTransition
	}
	switch {
	case card.ReplyPayload != nil:
		card.ReplyPayload.Text = newText
	case card.ComposePayload != nil:
		card.ComposePayload.Draft = newText
	default:
		return fmt.Errorf("cards: card %s has no editable text payload", id)
	}
	card.Status = models.CardApproved
	card.UpdatedAt = time.Now()

	if err := q.store.Update(ctx, card); err != nil {
		return fmt.Errorf("edit card: %w", err)
	}
	delete(q.pending, id)

	q.broadcaster.Publish(card.ThreadID, models.CardEvent{
		Type: models.EventCardUpdate, CardID: id, Status: models.CardApproved, Card: card,
	})
	q.broadcastCounts(card.ThreadID)
	return nil
}

// Refine regenerates a card's payload from instruction and re-emits
// CardRefreshed(updated_card). Refines on the same card id are serialized
// by q.mu, same as every other queue mutation; concurrent refines on
// different cards proceed independently once each regeneration call
// returns. The card's status and id are unchanged.
func (q *Queue) Refine(ctx context.Context, id, instruction string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.refiner == nil {
		return fmt.Errorf("cards: no refiner configured")
	}
	card, ok := q.pending[id]
	if !ok {
		var err error
		card, err = q.store.Get(ctx, id)
		if err != nil {
			return err
		}
	}
	if card.Status != models.CardPending {
		return ErrIllegalTransition
	}

	refreshed, err := q.refiner(ctx, card, instruction)
	if err != nil {
		return fmt.Errorf("refine card: %w", err)
	}
	refreshed.ID = id
	refreshed.ThreadID = card.ThreadID
	refreshed.SessionID = card.SessionID
	refreshed.Silo = card.Silo
	refreshed.Type = card.Type
	refreshed.Status = models.CardPending
	refreshed.CreatedAt = card.CreatedAt
	refreshed.UpdatedAt = time.Now()

	if err := q.store.Update(ctx, refreshed); err != nil {
		return fmt.Errorf("persist refined card: %w", err)
	}
	q.pending[id] = refreshed

	q.broadcaster.Publish(refreshed.ThreadID, models.CardEvent{
		Type: models.EventCardRefreshed, CardID: id, Card: refreshed,
	})
	return nil
}
