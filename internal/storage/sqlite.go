package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dlowe/steward/internal/auth"
	"github.com/dlowe/steward/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	tools TEXT NOT NULL DEFAULT '[]',
	config TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS agents_user_id_idx ON agents (user_id);

CREATE TABLE IF NOT EXISTS channel_connections (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'unspecified',
	config TEXT NOT NULL DEFAULT '{}',
	connected_at DATETIME,
	last_activity_at DATETIME
);
CREATE INDEX IF NOT EXISTS channel_connections_user_id_idx ON channel_connections (user_id);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	provider_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users (email) WHERE email != '';
CREATE UNIQUE INDEX IF NOT EXISTS users_provider_idx ON users (provider, provider_id) WHERE provider != '';
`

// NewSQLiteStoresFromPath opens (creating if absent) a single-file SQLite
// database for single-node deployments that don't run a CockroachDB
// cluster, applying the same agents/channel_connections/users schema
// inline since SQLite's type set doesn't match the Cockroach migrations
// in migrations/ (STRING/JSONB/STRING[] vs. SQLite's TEXT-only columns).
func NewSQLiteStoresFromPath(path string) (StoreSet, error) {
	if strings.TrimSpace(path) == "" {
		return StoreSet{}, fmt.Errorf("path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return StoreSet{
		Agents:   &sqliteAgentStore{db: db},
		Channels: &sqliteChannelConnectionStore{db: db},
		Users:    &sqliteUserStore{db: db},
		closer:   db.Close,
	}, nil
}

type sqliteAgentStore struct{ db *sql.DB }

func (s *sqliteAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	tools, err := json.Marshal(agent.Tools)
	if err != nil {
		return fmt.Errorf("marshal agent tools: %w", err)
	}
	cfg, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, user_id, name, system_prompt, model, provider, tools, config, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		agent.ID, agent.UserID, agent.Name, agent.SystemPrompt, agent.Model, agent.Provider,
		string(tools), string(cfg), agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *sqliteAgentStore) scanAgent(row interface {
	Scan(dest ...any) error
}) (*models.Agent, error) {
	var agent models.Agent
	var tools, cfg string
	if err := row.Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.SystemPrompt, &agent.Model,
		&agent.Provider, &tools, &cfg, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &agent.Tools); err != nil {
		return nil, fmt.Errorf("unmarshal agent tools: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &agent.Config); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	return &agent, nil
}

func (s *sqliteAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, system_prompt, model, provider, tools, config, created_at, updated_at
		 FROM agents WHERE id = ?`, id)
	agent, err := s.scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *sqliteAgentStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int, error) {
	if limit <= 0 {
		limit = 50
	}
	countQuery, listQuery := "SELECT count(*) FROM agents", `SELECT id, user_id, name, system_prompt, model, provider, tools, config, created_at, updated_at FROM agents`
	args := []any{}
	if userID != "" {
		countQuery += " WHERE user_id = ?"
		listQuery += " WHERE user_id = ?"
		args = append(args, userID)
	}
	listQuery += " ORDER BY created_at DESC LIMIT ? OFFSET ?"

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count agents: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, listQuery, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, total, rows.Err()
}

func (s *sqliteAgentStore) Update(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	tools, err := json.Marshal(agent.Tools)
	if err != nil {
		return fmt.Errorf("marshal agent tools: %w", err)
	}
	cfg, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	agent.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, system_prompt = ?, model = ?, provider = ?, tools = ?, config = ?, updated_at = ?
		 WHERE id = ?`,
		agent.Name, agent.SystemPrompt, agent.Model, agent.Provider, string(tools), string(cfg), agent.UpdatedAt, agent.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteAgentStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqliteChannelConnectionStore struct{ db *sql.DB }

func (s *sqliteChannelConnectionStore) scan(row interface {
	Scan(dest ...any) error
}) (*models.ChannelConnection, error) {
	var conn models.ChannelConnection
	var cfg string
	if err := row.Scan(&conn.ID, &conn.UserID, &conn.ChannelType, &conn.ChannelID, &conn.Status,
		&cfg, &conn.ConnectedAt, &conn.LastActivityAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &conn.Config); err != nil {
		return nil, fmt.Errorf("unmarshal connection config: %w", err)
	}
	return &conn, nil
}

func (s *sqliteChannelConnectionStore) Create(ctx context.Context, conn *models.ChannelConnection) error {
	if conn == nil || conn.ID == "" {
		return fmt.Errorf("connection is required")
	}
	cfg, err := json.Marshal(conn.Config)
	if err != nil {
		return fmt.Errorf("marshal connection config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channel_connections (id, user_id, channel_type, channel_id, status, config, connected_at, last_activity_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		conn.ID, conn.UserID, conn.ChannelType, conn.ChannelID, conn.Status, string(cfg), conn.ConnectedAt, conn.LastActivityAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create channel connection: %w", err)
	}
	return nil
}

func (s *sqliteChannelConnectionStore) Get(ctx context.Context, id string) (*models.ChannelConnection, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel_type, channel_id, status, config, connected_at, last_activity_at
		 FROM channel_connections WHERE id = ?`, id)
	conn, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get channel connection: %w", err)
	}
	return conn, nil
}

func (s *sqliteChannelConnectionStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.ChannelConnection, int, error) {
	if limit <= 0 {
		limit = 50
	}
	countQuery, listQuery := "SELECT count(*) FROM channel_connections", `SELECT id, user_id, channel_type, channel_id, status, config, connected_at, last_activity_at FROM channel_connections`
	args := []any{}
	if userID != "" {
		countQuery += " WHERE user_id = ?"
		listQuery += " WHERE user_id = ?"
		args = append(args, userID)
	}
	listQuery += " ORDER BY rowid DESC LIMIT ? OFFSET ?"

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count channel connections: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, listQuery, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list channel connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.ChannelConnection
	for rows.Next() {
		conn, err := s.scan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan channel connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, total, rows.Err()
}

func (s *sqliteChannelConnectionStore) Update(ctx context.Context, conn *models.ChannelConnection) error {
	if conn == nil || conn.ID == "" {
		return fmt.Errorf("connection is required")
	}
	cfg, err := json.Marshal(conn.Config)
	if err != nil {
		return fmt.Errorf("marshal connection config: %w", err)
	}
	conn.LastActivityAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_connections SET status = ?, config = ?, last_activity_at = ? WHERE id = ?`,
		conn.Status, string(cfg), conn.LastActivityAt, conn.ID,
	)
	if err != nil {
		return fmt.Errorf("update channel connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteChannelConnectionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channel_connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type sqliteUserStore struct{ db *sql.DB }

func (s *sqliteUserStore) scan(row interface {
	Scan(dest ...any) error
}) (*models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.AvatarURL, &user.Provider,
		&user.ProviderID, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *sqliteUserStore) getByProvider(ctx context.Context, provider, providerID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar_url, provider, provider_id, created_at, updated_at
		 FROM users WHERE provider = ? AND provider_id = ?`, provider, providerID)
	user, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get user by provider: %w", err)
	}
	return user, nil
}

func (s *sqliteUserStore) getByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar_url, provider, provider_id, created_at, updated_at
		 FROM users WHERE email = ?`, email)
	user, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *sqliteUserStore) findExisting(ctx context.Context, provider, providerID, email string) (*models.User, error) {
	if provider != "" && providerID != "" {
		if user, err := s.getByProvider(ctx, provider, providerID); err != nil {
			return nil, err
		} else if user != nil {
			return user, nil
		}
	}
	if email != "" {
		if user, err := s.getByEmail(ctx, email); err != nil {
			return nil, err
		} else if user != nil {
			return user, nil
		}
	}
	return nil, nil
}

func (s *sqliteUserStore) FindOrCreate(ctx context.Context, info *auth.UserInfo) (*models.User, error) {
	if info == nil {
		return nil, fmt.Errorf("user info is required")
	}
	provider, providerID := normalizeProvider(info.Provider), strings.TrimSpace(info.ID)
	email := strings.TrimSpace(info.Email)

	existing, err := s.findExisting(ctx, provider, providerID, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.updateFromInfo(ctx, existing, info, provider, providerID)
	}

	now := time.Now()
	user := &models.User{
		ID:         uuid.NewString(),
		Email:      email,
		Name:       info.Name,
		AvatarURL:  info.AvatarURL,
		Provider:   provider,
		ProviderID: providerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, avatar_url, provider, provider_id, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		user.ID, user.Email, user.Name, user.AvatarURL, user.Provider, user.ProviderID, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *sqliteUserStore) updateFromInfo(ctx context.Context, user *models.User, info *auth.UserInfo, provider, providerID string) (*models.User, error) {
	if info.Email != "" {
		user.Email = strings.TrimSpace(info.Email)
	}
	if info.Name != "" {
		user.Name = info.Name
	}
	if info.AvatarURL != "" {
		user.AvatarURL = info.AvatarURL
	}
	if provider != "" && providerID != "" {
		user.Provider = provider
		user.ProviderID = providerID
	}
	user.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, name = ?, avatar_url = ?, provider = ?, provider_id = ?, updated_at = ?
		 WHERE id = ?`,
		user.Email, user.Name, user.AvatarURL, user.Provider, user.ProviderID, user.UpdatedAt, user.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

func (s *sqliteUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, avatar_url, provider, provider_id, created_at, updated_at
		 FROM users WHERE id = ?`, id)
	user, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}
