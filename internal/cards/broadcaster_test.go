package cards

import (
	"testing"
	"time"

	"github.com/dlowe/steward/pkg/models"
)

func TestBroadcasterPublishDeliversToMatchingThread(t *testing.T) {
	b := NewBroadcaster(4, nil)
	_, events, unsubscribe := b.Subscribe("thread-1")
	defer unsubscribe()

	b.Publish("thread-1", models.CardEvent{Type: models.EventNewCard})
	b.Publish("thread-2", models.CardEvent{Type: models.EventNewCard})

	select {
	case e := <-events:
		if e.Type != models.EventNewCard {
			t.Errorf("event type = %v, want NewCard", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-events:
		t.Fatalf("unexpected second event for other thread: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterPublishEmptyThreadFansOutToAll(t *testing.T) {
	b := NewBroadcaster(4, nil)
	_, eventsA, unsubA := b.Subscribe("thread-a")
	_, eventsB, unsubB := b.Subscribe("thread-b")
	defer unsubA()
	defer unsubB()

	b.Publish("", models.CardEvent{Type: models.EventPing})

	for _, ch := range []<-chan models.CardEvent{eventsA, eventsB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast event")
		}
	}
}

func TestBroadcasterDisconnectsSlowSubscriberOnFullBuffer(t *testing.T) {
	b := NewBroadcaster(1, nil)
	_, events, unsubscribe := b.Subscribe("thread-1")
	defer unsubscribe()

	b.Publish("thread-1", models.CardEvent{Type: models.EventNewCard})
	b.Publish("thread-1", models.CardEvent{Type: models.EventNewCard}) // buffer full, disconnects

	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0 after disconnect", b.SubscriberCount())
	}

	// Draining the channel should eventually observe it closed by the disconnect.
	closed := false
	for i := 0; i < 10 && !closed; i++ {
		select {
		case _, ok := <-events:
			closed = !ok
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for channel drain/close")
		}
	}
	if !closed {
		t.Error("expected channel to eventually close")
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(4, nil)
	_, events, unsubscribe := b.Subscribe("thread-1")
	unsubscribe()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
