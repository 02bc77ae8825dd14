package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/ent0n29/companion/internal/logging"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// SQLiteStore persists conversational state in an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := OpenSQLite(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	if err := MigrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLite opens (creating if needed) the database file without migrating it.
func OpenSQLite(ctx context.Context, dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// MigrateSQLite applies the embedded goose migrations.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(logging.NewGooseLogger(ctx))

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (User, error) {
	var (
		u           User
		prefs, ints string
		level       string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, preferences, interests, communication_style, relationship_level, created_at, updated_at
		 FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.Profile.Name, &prefs, &ints, &u.Profile.CommunicationStyle, &level, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.Profile.RelationshipLevel = RelationshipLevel(level)
	if err := decodeProfileJSON(&u.Profile, []byte(prefs), []byte(ints)); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, userID string, profile Profile) (User, error) {
	profile = normalizeProfile(profile)
	prefs, ints, err := encodeProfileJSON(profile)
	if err != nil {
		return User{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, preferences, interests, communication_style, relationship_level, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			preferences = excluded.preferences,
			interests = excluded.interests,
			communication_style = excluded.communication_style,
			relationship_level = excluded.relationship_level,
			updated_at = excluded.updated_at`,
		userID, profile.Name, string(prefs), string(ints), profile.CommunicationStyle, string(profile.RelationshipLevel), now, now,
	)
	if err != nil {
		return User{}, fmt.Errorf("upsert profile: %w", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *SQLiteStore) EnsureConversation(ctx context.Context, userID, conversationID string) (Conversation, bool, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		userID, now, now,
	); err != nil {
		return Conversation{}, false, fmt.Errorf("ensure user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, summary, created_at, updated_at) VALUES (?, ?, '', ?, ?)`,
		conversationID, userID, now, now,
	); err != nil {
		return Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, false, fmt.Errorf("commit conversation: %w", err)
	}
	return Conversation{ID: conversationID, UserID: userID, CreatedAt: now, UpdatedAt: now}, true, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, summary, created_at, updated_at FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&c.ID, &c.UserID, &c.Summary, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateSummary(ctx context.Context, conversationID, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, time.Now().UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if !msg.Role.Valid() {
		return Message{}, ErrInvalidRole
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var items []Message
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

func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) AddMemory(ctx context.Context, mem Memory) (Memory, error) {
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
	tags, err := json.Marshal(mem.Tags)
	if err != nil {
		return Memory{}, fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, kind, content, importance, tags, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.UserID, string(mem.Kind), mem.Content, mem.Importance, string(tags), encodeVector(mem.Embedding), mem.CreatedAt,
	)
	if err != nil {
		return Memory{}, fmt.Errorf("add memory: %w", err)
	}
	return mem, nil
}

func (s *SQLiteStore) RecentMemories(ctx context.Context, userID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.queryMemories(ctx,
		`SELECT id, user_id, kind, content, importance, tags, embedding, created_at
		 FROM memories WHERE user_id = ? ORDER BY seq DESC LIMIT ?`,
		userID, limit,
	)
}

func (s *SQLiteStore) ListMemories(ctx context.Context, userID string) ([]Memory, error) {
	return s.queryMemories(ctx,
		`SELECT id, user_id, kind, content, importance, tags, embedding, created_at
		 FROM memories WHERE user_id = ? ORDER BY seq ASC`,
		userID,
	)
}

func (s *SQLiteStore) queryMemories(ctx context.Context, query string, args ...any) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var (
			m         Memory
			kind      string
			tags      string
			embedding []byte
		)
		if err := rows.Scan(&m.ID, &m.UserID, &kind, &m.Content, &m.Importance, &tags, &embedding, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		m.Kind = Kind(kind)
		m.Tags = []string{}
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		m.Embedding = decodeVector(embedding)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
