// Package cards implements the approval card queue: advisory suggestions
// (reply drafts, compose drafts, tool actions, yes/no decisions) surfaced to
// a human for one-click acceptance, broadcast to subscribed clients, and
// swept on expiry.
package cards

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dlowe/steward/pkg/models"
)

var (
	ErrNotFound          = fmt.Errorf("card not found")
	ErrIllegalTransition = fmt.Errorf("illegal card status transition")
)

// Store persists approval cards.
type Store interface {
	Create(ctx context.Context, card *models.ApprovalCard) error
	Get(ctx context.Context, id string) (*models.ApprovalCard, error)
	UpdateStatus(ctx context.Context, id string, status models.CardStatus, updatedAt time.Time) error
	// Update persists card's full content (payload, status, updated_at) in
	// place, used by Edit (replacing a suggested reply) and Refine
	// (replacing a card's payload with a regenerated one).
	Update(ctx context.Context, card *models.ApprovalCard) error
	ListPending(ctx context.Context, threadID string) ([]*models.ApprovalCard, error)
	ListExpired(ctx context.Context, asOf time.Time) ([]*models.ApprovalCard, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MemoryStore is a thread-safe in-memory Store, grounded on
// internal/agent/approval.go's MemoryApprovalStore: a single RWMutex
// protecting a map, read methods filter in place rather than querying.
type MemoryStore struct {
	mu    sync.RWMutex
	cards map[string]*models.ApprovalCard
}

// NewMemoryStore creates an in-memory card store for single-instance
// deployments and tests.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cards: make(map[string]*models.ApprovalCard)}
}

func (s *MemoryStore) Create(ctx context.Context, card *models.ApprovalCard) error {
	if card == nil || card.ID == "" {
		return fmt.Errorf("card is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[card.ID] = card
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.ApprovalCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return card, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.CardStatus, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransitionCard(card.Status, status) {
		return ErrIllegalTransition
	}
	card.Status = status
	card.UpdatedAt = updatedAt
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, card *models.ApprovalCard) error {
	if card == nil || card.ID == "" {
		return fmt.Errorf("card is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[card.ID]; !ok {
		return ErrNotFound
	}
	s.cards[card.ID] = card
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context, threadID string) ([]*models.ApprovalCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ApprovalCard
	for _, card := range s.cards {
		if card.Status != models.CardPending {
			continue
		}
		if threadID != "" && card.ThreadID != threadID {
			continue
		}
		out = append(out, card)
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, asOf time.Time) ([]*models.ApprovalCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ApprovalCard
	for _, card := range s.cards {
		if card.Status != models.CardPending {
			continue
		}
		if card.ExpiresAt.IsZero() || card.ExpiresAt.After(asOf) {
			continue
		}
		out = append(out, card)
	}
	return out, nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	for id, card := range s.cards {
		if card.Status != models.CardPending && card.UpdatedAt.Before(cutoff) {
			delete(s.cards, id)
			pruned++
		}
	}
	return pruned, nil
}

// sqlSchema holds the per-dialect cards table DDL, following the
// internal/storage inline-schema pattern (sqlite.go's sqliteSchema): a new
// table gets a plain CREATE TABLE IF NOT EXISTS rather than a migration,
// since it has no prior version to migrate from.
var sqlSchema = map[string]string{
	"sqlite": `
CREATE TABLE IF NOT EXISTS cards (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	silo TEXT NOT NULL,
	card_type TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS cards_thread_id_idx ON cards (thread_id);
CREATE INDEX IF NOT EXISTS cards_status_idx ON cards (status);
`,
	"postgres": `
CREATE TABLE IF NOT EXISTS cards (
	id STRING PRIMARY KEY,
	thread_id STRING NOT NULL,
	session_id STRING NOT NULL DEFAULT '',
	silo STRING NOT NULL,
	card_type STRING NOT NULL,
	status STRING NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS cards_thread_id_idx ON cards (thread_id);
CREATE INDEX IF NOT EXISTS cards_status_idx ON cards (status);
`,
}

// payload is the on-disk envelope for a card's type-specific payload, used
// so a single JSON column can carry whichever of the four payload shapes
// a card actually has.
type payload struct {
	Reply    *models.ReplyPayload    `json:"reply,omitempty"`
	Compose  *models.ComposePayload  `json:"compose,omitempty"`
	Action   *models.ActionPayload   `json:"action,omitempty"`
	Decision *models.DecisionPayload `json:"decision,omitempty"`
}

// SQLStore is a database-backed Store for SQLite or CockroachDB/Postgres,
// selected by dialect ("sqlite" or "postgres") for placeholder style
// ($1 vs ?), matching internal/storage's split between sqlite.go and
// cockroach.go rather than a single ORM-style abstraction.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore applies the cards schema to db and returns a Store backed by
// it. dialect must be "sqlite" or "postgres".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	schema, ok := sqlSchema[dialect]
	if !ok {
		return nil, fmt.Errorf("cards: unsupported dialect %q", dialect)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply cards schema: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func encodePayload(card *models.ApprovalCard) ([]byte, error) {
	return json.Marshal(payload{
		Reply:    card.ReplyPayload,
		Compose:  card.ComposePayload,
		Action:   card.ActionPayload,
		Decision: card.DecisionPayload,
	})
}

func decodePayload(card *models.ApprovalCard, raw []byte) error {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal card payload: %w", err)
	}
	card.ReplyPayload = p.Reply
	card.ComposePayload = p.Compose
	card.ActionPayload = p.Action
	card.DecisionPayload = p.Decision
	return nil
}

func (s *SQLStore) Create(ctx context.Context, card *models.ApprovalCard) error {
	if card == nil || card.ID == "" {
		return fmt.Errorf("card is required")
	}
	raw, err := encodePayload(card)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO cards (id, thread_id, session_id, silo, card_type, status, payload, created_at, expires_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`),
		card.ID, card.ThreadID, card.SessionID, string(card.Silo), string(card.Type), string(card.Status),
		string(raw), card.CreatedAt, card.ExpiresAt, card.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create card: %w", err)
	}
	return nil
}

func (s *SQLStore) scan(row interface{ Scan(dest ...any) error }) (*models.ApprovalCard, error) {
	var card models.ApprovalCard
	var silo, cardType, status string
	var raw string
	var expiresAt sql.NullTime
	if err := row.Scan(&card.ID, &card.ThreadID, &card.SessionID, &silo, &cardType, &status,
		&raw, &card.CreatedAt, &expiresAt, &card.UpdatedAt); err != nil {
		return nil, err
	}
	card.Silo = models.CardSilo(silo)
	card.Type = models.CardType(cardType)
	card.Status = models.CardStatus(status)
	if expiresAt.Valid {
		card.ExpiresAt = expiresAt.Time
	}
	if err := decodePayload(&card, []byte(raw)); err != nil {
		return nil, err
	}
	return &card, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.ApprovalCard, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, thread_id, session_id, silo, card_type, status, payload, created_at, expires_at, updated_at
		 FROM cards WHERE id = ?`), id)
	card, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	return card, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status models.CardStatus, updatedAt time.Time) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransitionCard(existing.Status, status) {
		return ErrIllegalTransition
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE cards SET status = ?, updated_at = ? WHERE id = ?`), string(status), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update card status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, card *models.ApprovalCard) error {
	if card == nil || card.ID == "" {
		return fmt.Errorf("card is required")
	}
	raw, err := encodePayload(card)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE cards SET status = ?, payload = ?, updated_at = ? WHERE id = ?`),
		string(card.Status), string(raw), card.UpdatedAt, card.ID,
	)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListPending(ctx context.Context, threadID string) ([]*models.ApprovalCard, error) {
	query := `SELECT id, thread_id, session_id, silo, card_type, status, payload, created_at, expires_at, updated_at
		FROM cards WHERE status = ?`
	args := []any{string(models.CardPending)}
	if threadID != "" {
		query += " AND thread_id = ?"
		args = append(args, threadID)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list pending cards: %w", err)
	}
	defer rows.Close()
	var out []*models.ApprovalCard
	for rows.Next() {
		card, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListExpired(ctx context.Context, asOf time.Time) ([]*models.ApprovalCard, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, thread_id, session_id, silo, card_type, status, payload, created_at, expires_at, updated_at
		 FROM cards WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`),
		string(models.CardPending), asOf)
	if err != nil {
		return nil, fmt.Errorf("list expired cards: %w", err)
	}
	defer rows.Close()
	var out []*models.ApprovalCard
	for rows.Next() {
		card, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

func (s *SQLStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM cards WHERE status != ? AND updated_at < ?`), string(models.CardPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cards: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cards rows affected: %w", err)
	}
	return n, nil
}
