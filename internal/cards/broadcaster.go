package cards

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dlowe/steward/pkg/models"
)

// Broadcaster fans out CardEvents to subscribed clients over a single
// bounded channel per subscriber. Unlike internal/agent/event_sink.go's
// BackpressureSink, card events have no droppable lane: spec.md's
// "Card broadcast backpressure" design note calls for disconnecting a slow
// subscriber outright rather than silently dropping individual events, so
// a full channel closes the subscription instead of selecting a low-pri
// lane.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	queueDepth  int
	logger      *slog.Logger
}

type subscriber struct {
	threadID string
	ch       chan models.CardEvent
}

// NewBroadcaster creates a Broadcaster whose subscriber channels are
// buffered to queueDepth.
func NewBroadcaster(queueDepth int, logger *slog.Logger) *Broadcaster {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		queueDepth:  queueDepth,
		logger:      logger.With("component", "cards.broadcaster"),
	}
}

// Subscribe registers a new subscriber scoped to threadID and returns its
// event channel plus an unsubscribe function. The caller is responsible for
// sending an initial CardsSync snapshot (the Queue does this on Subscribe).
func (b *Broadcaster) Subscribe(threadID string) (id string, events <-chan models.CardEvent, unsubscribe func()) {
	sub := &subscriber{
		threadID: threadID,
		ch:       make(chan models.CardEvent, b.queueDepth),
	}
	id = uuid.NewString()

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	return id, sub.ch, func() { b.unsubscribe(id) }
}

func (b *Broadcaster) unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Send delivers event directly to one subscriber (used to replay a
// CardsSync snapshot to a single freshly-subscribed client).
func (b *Broadcaster) Send(id string, event models.CardEvent) {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	b.deliver(id, sub, event)
}

// Publish delivers event to every subscriber whose threadID matches (or to
// every subscriber when threadID is empty, e.g. SiloCounts/Ping). A
// subscriber whose buffer is already full is disconnected rather than
// blocked or silently dropped from.
func (b *Broadcaster) Publish(threadID string, event models.CardEvent) {
	b.mu.RLock()
	targets := make(map[string]*subscriber, len(b.subscribers))
	for id, sub := range b.subscribers {
		if threadID == "" || sub.threadID == threadID {
			targets[id] = sub
		}
	}
	b.mu.RUnlock()

	for id, sub := range targets {
		b.deliver(id, sub, event)
	}
}

func (b *Broadcaster) deliver(id string, sub *subscriber, event models.CardEvent) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Warn("card subscriber buffer full, disconnecting", "subscriber_id", id)
		b.unsubscribe(id)
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
