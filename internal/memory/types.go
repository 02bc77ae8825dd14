package memory

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrOwnership   = errors.New("conversation belongs to another user")
	ErrInvalidKind = errors.New("invalid memory kind")
	ErrInvalidRole = errors.New("invalid message role")
)

type RelationshipLevel string

const (
	RelationshipNew          RelationshipLevel = "new"
	RelationshipAcquaintance RelationshipLevel = "acquaintance"
	RelationshipFriend       RelationshipLevel = "friend"
	RelationshipClose        RelationshipLevel = "close"
	RelationshipIntimate     RelationshipLevel = "intimate"
)

// Valid reports whether l is one of the known relationship levels.
func (l RelationshipLevel) Valid() bool {
	switch l {
	case RelationshipNew, RelationshipAcquaintance, RelationshipFriend, RelationshipClose, RelationshipIntimate:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleDeveloper:
		return true
	default:
		return false
	}
}

type Kind string

const (
	KindFact       Kind = "fact"
	KindMoment     Kind = "moment"
	KindPreference Kind = "preference"
	KindMemory     Kind = "memory"
)

func (k Kind) Valid() bool {
	switch k {
	case KindFact, KindMoment, KindPreference, KindMemory:
		return true
	default:
		return false
	}
}

// Profile is the mutable part of a user record.
type Profile struct {
	Name               string            `json:"name"`
	Preferences        map[string]string `json:"preferences"`
	Interests          []string          `json:"interests"`
	CommunicationStyle string            `json:"communication_style"`
	RelationshipLevel  RelationshipLevel `json:"relationship_level"`
}

// IsEmpty reports whether the profile carries nothing worth putting in a prompt.
func (p Profile) IsEmpty() bool {
	return strings.TrimSpace(p.Name) == "" &&
		len(p.Preferences) == 0 &&
		len(p.Interests) == 0 &&
		strings.TrimSpace(p.CommunicationStyle) == "" &&
		(p.RelationshipLevel == "" || p.RelationshipLevel == RelationshipNew)
}

// DefaultProfile is used for users that have never been seen.
func DefaultProfile() Profile {
	return Profile{RelationshipLevel: RelationshipNew}
}

type User struct {
	ID        string    `json:"id"`
	Profile   Profile   `json:"profile"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is immutable once stored.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Memory is a durable per-user fact, preference or moment. Memories are only ever created.
type Memory struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists users, conversations, messages and memories.
type Store interface {
	GetUser(ctx context.Context, userID string) (User, error)
	UpsertProfile(ctx context.Context, userID string, profile Profile) (User, error)

	// EnsureConversation returns the conversation with the given id, creating it
	// (and its owning user) when id is empty or unknown.
	EnsureConversation(ctx context.Context, userID, conversationID string) (Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	UpdateSummary(ctx context.Context, conversationID, summary string) error

	AppendMessage(ctx context.Context, msg Message) (Message, error)
	// RecentMessages returns the newest limit messages in chronological order.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)

	AddMemory(ctx context.Context, mem Memory) (Memory, error)
	// RecentMemories returns up to limit memories, newest first.
	RecentMemories(ctx context.Context, userID string, limit int) ([]Memory, error)
	// ListMemories returns every memory of a user, oldest first.
	ListMemories(ctx context.Context, userID string) ([]Memory, error)

	Close() error
}

// ClampUnit clamps v into [0,1].
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normalizeMemory applies the write-time rules every backend shares.
func normalizeMemory(mem Memory) (Memory, error) {
	mem.Content = strings.TrimSpace(mem.Content)
	if mem.Content == "" {
		return Memory{}, errors.New("memory content is required")
	}
	if strings.TrimSpace(mem.UserID) == "" {
		return Memory{}, errors.New("memory user id is required")
	}
	if mem.Kind == "" {
		mem.Kind = KindMemory
	}
	if !mem.Kind.Valid() {
		return Memory{}, ErrInvalidKind
	}
	mem.Importance = ClampUnit(mem.Importance)
	if mem.Tags == nil {
		mem.Tags = []string{}
	}
	return mem, nil
}

func normalizeProfile(p Profile) Profile {
	if p.RelationshipLevel == "" {
		p.RelationshipLevel = RelationshipNew
	}
	if p.Preferences == nil {
		p.Preferences = map[string]string{}
	}
	if p.Interests == nil {
		p.Interests = []string{}
	}
	return p
}
