package models

import (
	"encoding/json"
	"time"
)

// CardSilo is the UI bucket an ApprovalCard is routed into.
type CardSilo string

const (
	SiloMessages CardSilo = "messages"
	SiloTodos    CardSilo = "todos"
	SiloCalendar CardSilo = "calendar"
)

// CardType distinguishes the shape of an ApprovalCard's Payload.
type CardType string

const (
	CardReply    CardType = "reply"
	CardCompose  CardType = "compose"
	CardAction   CardType = "action"
	CardDecision CardType = "decision"
)

// CardStatus is the lifecycle state of an ApprovalCard in the queue.
//
// Legal transitions: Pending -> {Approved, Dismissed, Expired, Sent},
// Approved -> Sent. All other transitions are rejected by the queue.
type CardStatus string

const (
	CardPending   CardStatus = "pending"
	CardApproved  CardStatus = "approved"
	CardDismissed CardStatus = "dismissed"
	CardExpired   CardStatus = "expired"
	CardSent      CardStatus = "sent"
)

var legalCardTransitions = map[CardStatus]map[CardStatus]bool{
	CardPending: {
		CardApproved:  true,
		CardDismissed: true,
		CardExpired:   true,
		CardSent:      true,
	},
	CardApproved: {
		CardSent: true,
	},
}

// CanTransitionCard reports whether moving a card from "from" to "to" is
// a legal edge in the card status state machine.
func CanTransitionCard(from, to CardStatus) bool {
	if from == to {
		return true
	}
	edges, ok := legalCardTransitions[from]
	return ok && edges[to]
}

// ReplyPayload suggests a candidate reply the user may send as-is.
type ReplyPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ComposePayload suggests a draft the user is expected to edit before sending.
type ComposePayload struct {
	Draft string `json:"draft"`
}

// ActionPayload suggests a tool invocation the user may trigger directly.
type ActionPayload struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
	Label    string          `json:"label"`
}

// DecisionPayload surfaces a binary choice (e.g. approve/deny a pending tool call).
type DecisionPayload struct {
	Question   string `json:"question"`
	ApproveLabel string `json:"approve_label"`
	DenyLabel    string `json:"deny_label"`
}

// ApprovalCard is a suggestion surfaced to a human for one-click
// acceptance, separate from the agentic loop's own approval gate: cards
// are advisory, never block a Thread's state machine.
type ApprovalCard struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"thread_id"`
	SessionID string     `json:"session_id"`
	Silo      CardSilo   `json:"silo"`
	Type      CardType   `json:"type"`
	Status    CardStatus `json:"status"`

	ReplyPayload    *ReplyPayload    `json:"reply_payload,omitempty"`
	ComposePayload  *ComposePayload  `json:"compose_payload,omitempty"`
	ActionPayload   *ActionPayload   `json:"action_payload,omitempty"`
	DecisionPayload *DecisionPayload `json:"decision_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CardEventType discriminates the broadcast events a card queue subscriber
// receives.
type CardEventType string

const (
	EventNewCard       CardEventType = "new_card"
	EventCardUpdate    CardEventType = "card_update"
	EventCardExpired   CardEventType = "card_expired"
	EventCardsSync     CardEventType = "cards_sync"
	EventCardRefreshed CardEventType = "card_refreshed"
	EventSiloCounts    CardEventType = "silo_counts"
	EventPing          CardEventType = "ping"
)

// SiloCounts reports the number of pending cards per UI silo.
type SiloCounts struct {
	Messages int `json:"messages"`
	Todos    int `json:"todos"`
	Calendar int `json:"calendar"`
}

// CardEvent is broadcast to subscribers whenever a card is pushed, its
// status transitions, or it is refreshed by a Refine action.
type CardEvent struct {
	Type CardEventType `json:"type"`

	// CardID identifies the affected card for CardUpdate/CardExpired events.
	CardID string `json:"card_id,omitempty"`
	// Status is the card's new status for a CardUpdate event.
	Status CardStatus `json:"status,omitempty"`

	Card *ApprovalCard `json:"card,omitempty"`

	// Snapshot carries the full set of currently pending cards for a
	// thread; sent to a subscriber immediately after it (re)subscribes so
	// a dropped-and-resubscribed consumer never has to diff itself back
	// into a consistent view.
	Snapshot []*ApprovalCard `json:"snapshot,omitempty"`

	Counts *SiloCounts `json:"counts,omitempty"`
}
