package cards

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dlowe/steward/pkg/models"
)

func newTestCard(id string, expiresIn time.Duration) *models.ApprovalCard {
	now := time.Now()
	return &models.ApprovalCard{
		ID:        id,
		ThreadID:  "thread-1",
		SessionID: "session-1",
		Silo:      models.SiloMessages,
		Type:      models.CardReply,
		Status:    models.CardPending,
		ReplyPayload: &models.ReplyPayload{
			Text:       "sounds good",
			Confidence: 0.8,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
		UpdatedAt: now,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	card := newTestCard("card-1", time.Hour)

	if err := store.Create(context.Background(), card); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(context.Background(), "card-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ReplyPayload.Text != "sounds good" {
		t.Errorf("ReplyPayload.Text = %q, want %q", got.ReplyPayload.Text, "sounds good")
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUpdateStatusRejectsIllegalTransition(t *testing.T) {
	store := NewMemoryStore()
	card := newTestCard("card-1", time.Hour)
	card.Status = models.CardSent
	_ = store.Create(context.Background(), card)

	err := store.UpdateStatus(context.Background(), "card-1", models.CardApproved, time.Now())
	if err != ErrIllegalTransition {
		t.Errorf("UpdateStatus() error = %v, want ErrIllegalTransition", err)
	}
}

func TestMemoryStoreListPendingFiltersByThread(t *testing.T) {
	store := NewMemoryStore()
	a := newTestCard("a", time.Hour)
	b := newTestCard("b", time.Hour)
	b.ThreadID = "thread-2"
	_ = store.Create(context.Background(), a)
	_ = store.Create(context.Background(), b)

	pending, err := store.ListPending(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "a" {
		t.Errorf("ListPending(thread-1) = %v, want [a]", pending)
	}
}

func TestMemoryStoreListExpired(t *testing.T) {
	store := NewMemoryStore()
	expired := newTestCard("expired", -time.Minute)
	fresh := newTestCard("fresh", time.Hour)
	_ = store.Create(context.Background(), expired)
	_ = store.Create(context.Background(), fresh)

	got, err := store.ListExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "expired" {
		t.Errorf("ListExpired() = %v, want [expired]", got)
	}
}

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLStore(db, "sqlite")
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	return store
}

func TestSQLStoreCreateGetRoundTrip(t *testing.T) {
	store := newTestSQLStore(t)
	card := newTestCard("card-1", time.Hour)

	if err := store.Create(context.Background(), card); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := store.Get(context.Background(), "card-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ReplyPayload == nil || got.ReplyPayload.Text != "sounds good" {
		t.Errorf("ReplyPayload = %+v, want text 'sounds good'", got.ReplyPayload)
	}
	if got.Silo != models.SiloMessages {
		t.Errorf("Silo = %q, want %q", got.Silo, models.SiloMessages)
	}
}

func TestSQLStoreUpdateStatusAndListPending(t *testing.T) {
	store := newTestSQLStore(t)
	card := newTestCard("card-1", time.Hour)
	_ = store.Create(context.Background(), card)

	if err := store.UpdateStatus(context.Background(), "card-1", models.CardApproved, time.Now()); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	pending, err := store.ListPending(context.Background(), "")
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("ListPending() = %v, want empty after approval", pending)
	}
}

func TestSQLStoreListExpired(t *testing.T) {
	store := newTestSQLStore(t)
	_ = store.Create(context.Background(), newTestCard("expired", -time.Minute))
	_ = store.Create(context.Background(), newTestCard("fresh", time.Hour))

	got, err := store.ListExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "expired" {
		t.Errorf("ListExpired() = %v, want [expired]", got)
	}
}
