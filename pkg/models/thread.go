package models

import (
	"fmt"
	"time"
)

// ThreadState is the lifecycle state of a Thread.
//
// Legal transitions:
//
//	Idle             -> Processing             (user input accepted)
//	Processing       -> Idle                    (turn completed with response)
//	Processing       -> AwaitingApproval         (tool needs approval)
//	AwaitingApproval -> Processing               (approval received)
//	AwaitingApproval -> Idle                     (rejection)
//	Processing       -> Interrupted              (user-requested)
//	*                -> Completed                (explicit close; terminal)
//
// Invariant: State == AwaitingApproval iff PendingApproval is set on the Thread.
type ThreadState string

const (
	ThreadIdle             ThreadState = "idle"
	ThreadProcessing       ThreadState = "processing"
	ThreadAwaitingApproval ThreadState = "awaiting_approval"
	ThreadInterrupted      ThreadState = "interrupted"
	ThreadCompleted        ThreadState = "completed"
)

// legalThreadTransitions enumerates the state machine edges a Thread may
// cross, aside from the universal "* -> Completed" edge handled directly in
// CanTransition. Completed and Interrupted have no further outgoing edges
// here: Completed is terminal, and Interrupted only leaves via Completed.
var legalThreadTransitions = map[ThreadState]map[ThreadState]bool{
	ThreadIdle: {
		ThreadProcessing: true,
	},
	ThreadProcessing: {
		ThreadIdle:             true,
		ThreadAwaitingApproval: true,
		ThreadInterrupted:      true,
	},
	ThreadAwaitingApproval: {
		ThreadProcessing: true,
		ThreadIdle:       true,
	},
	ThreadInterrupted: {},
	ThreadCompleted:   {},
}

// CanTransition reports whether moving from "from" to "to" is a legal edge
// in the thread state machine. Every state may transition to Completed
// (explicit close), which is terminal once reached.
func CanTransition(from, to ThreadState) bool {
	if from == to {
		return true
	}
	if to == ThreadCompleted {
		return true
	}
	edges, ok := legalThreadTransitions[from]
	return ok && edges[to]
}

// Thread is a single conversation lineage within a Session: an ordered
// sequence of Turns plus the state needed to suspend and resume the
// agentic loop.
type Thread struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	State     ThreadState `json:"state"`

	// PendingApproval is set if and only if State == ThreadAwaitingApproval.
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`

	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the State/PendingApproval invariant holds.
func (t *Thread) Validate() error {
	hasPending := t.PendingApproval != nil
	isAwaiting := t.State == ThreadAwaitingApproval
	if hasPending != isAwaiting {
		return fmt.Errorf("thread: state=%s pending_approval_set=%v violates AwaitingApproval invariant", t.State, hasPending)
	}
	return nil
}

// Turn is one full iteration cycle of the agentic loop: the inbound
// trigger, zero or more tool round-trips, and the resulting reply (or
// suspension).
type Turn struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Iteration  int       `json:"iteration"`
	Messages   []ChatMessage `json:"messages"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
