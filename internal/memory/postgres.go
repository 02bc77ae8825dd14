package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversational state in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := InitPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// InitPostgresSchema creates the tables idempotently.
func InitPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			preferences JSONB NOT NULL DEFAULT '{}'::jsonb,
			interests JSONB NOT NULL DEFAULT '[]'::jsonb,
			communication_style TEXT NOT NULL DEFAULT '',
			relationship_level TEXT NOT NULL DEFAULT 'new',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages (conversation_id, seq);`,
		`CREATE TABLE IF NOT EXISTS memories (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			embedding REAL[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user_seq ON memories (user_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, preferences, interests, communication_style, relationship_level, created_at, updated_at
		 FROM users WHERE id=$1`, userID)

	var (
		u           User
		prefs, ints []byte
		level       string
	)
	err := row.Scan(&u.ID, &u.Profile.Name, &prefs, &ints, &u.Profile.CommunicationStyle, &level, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.Profile.RelationshipLevel = RelationshipLevel(level)
	if err := decodeProfileJSON(&u.Profile, prefs, ints); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, userID string, profile Profile) (User, error) {
	profile = normalizeProfile(profile)
	prefs, ints, err := encodeProfileJSON(profile)
	if err != nil {
		return User{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, name, preferences, interests, communication_style, relationship_level)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			preferences = EXCLUDED.preferences,
			interests = EXCLUDED.interests,
			communication_style = EXCLUDED.communication_style,
			relationship_level = EXCLUDED.relationship_level,
			updated_at = now()`,
		userID, profile.Name, prefs, ints, profile.CommunicationStyle, string(profile.RelationshipLevel),
	)
	if err != nil {
		return User{}, fmt.Errorf("upsert profile: %w", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *PostgresStore) EnsureConversation(ctx context.Context, userID, conversationID string) (Conversation, bool, error) {
	if conversationID != "" {
		c, err := s.GetConversation(ctx, conversationID)
		if err == nil {
			if c.UserID != userID {
				return Conversation{}, false, ErrOwnership
			}
			return c, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Conversation{}, false, err
		}
	} else {
		conversationID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID); err != nil {
		return Conversation{}, false, fmt.Errorf("ensure user: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, user_id, created_at, updated_at) VALUES ($1, $2, $3, $3)`,
		conversationID, userID, now,
	); err != nil {
		return Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, fmt.Errorf("commit conversation: %w", err)
	}
	return Conversation{ID: conversationID, UserID: userID, CreatedAt: now, UpdatedAt: now}, true, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, summary, created_at, updated_at FROM conversations WHERE id=$1`,
		conversationID,
	).Scan(&c.ID, &c.UserID, &c.Summary, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateSummary(ctx context.Context, conversationID, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET summary=$2, updated_at=now() WHERE id=$1`,
		conversationID, summary,
	)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if !msg.Role.Valid() {
		return Message{}, ErrInvalidRole
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id=$1 ORDER BY seq DESC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = Role(role)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	reverseMessages(items)
	return items, nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE conversation_id=$1`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) AddMemory(ctx context.Context, mem Memory) (Memory, error) {
	mem, err := normalizeMemory(mem)
	if err != nil {
		return Memory{}, err
	}
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memories (id, user_id, kind, content, importance, tags, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		mem.ID, mem.UserID, string(mem.Kind), mem.Content, mem.Importance, mem.Tags, mem.Embedding, mem.CreatedAt,
	)
	if err != nil {
		return Memory{}, fmt.Errorf("add memory: %w", err)
	}
	return mem, nil
}

func (s *PostgresStore) RecentMemories(ctx context.Context, userID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.queryMemories(ctx,
		`SELECT id, user_id, kind, content, importance, tags, embedding, created_at
		 FROM memories WHERE user_id=$1 ORDER BY seq DESC LIMIT $2`,
		userID, limit,
	)
}

func (s *PostgresStore) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	return s.queryMemories(ctx,
		`SELECT id, user_id, kind, content, importance, tags, embedding, created_at
		 FROM memories WHERE user_id=$1 ORDER BY seq ASC`,
		userID,
	)
}

func (s *PostgresStore) queryMemories(ctx context.Context, query string, args ...any) ([]Memory, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var (
			m    Memory
			kind string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &kind, &m.Content, &m.Importance, &m.Tags, &m.Embedding, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		m.Kind = Kind(kind)
		if m.Tags == nil {
			m.Tags = []string{}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func encodeProfileJSON(p Profile) ([]byte, []byte, error) {
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return nil, nil, fmt.Errorf("encode preferences: %w", err)
	}
	ints, err := json.Marshal(p.Interests)
	if err != nil {
		return nil, nil, fmt.Errorf("encode interests: %w", err)
	}
	return prefs, ints, nil
}

func decodeProfileJSON(p *Profile, prefs, ints []byte) error {
	p.Preferences = map[string]string{}
	p.Interests = []string{}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &p.Preferences); err != nil {
			return fmt.Errorf("decode preferences: %w", err)
		}
	}
	if len(ints) > 0 {
		if err := json.Unmarshal(ints, &p.Interests); err != nil {
			return fmt.Errorf("decode interests: %w", err)
		}
	}
	return nil
}

// Reverse into chronological order for prompt coherence.
func reverseMessages(items []Message) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
