package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	users         map[string]User
	conversations map[string]Conversation
	messages      map[string][]Message
	memories      map[string][]Memory
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:         make(map[string]User),
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		memories:      make(map[string][]Memory),
	}
}

func (s *InMemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *InMemoryStore) UpsertProfile(_ context.Context, userID string, profile Profile) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	u, ok := s.users[userID]
	if !ok {
		u = User{ID: userID, CreatedAt: now}
	}
	u.Profile = normalizeProfile(profile)
	u.UpdatedAt = now
	s.users[userID] = cloneUser(u)
	return cloneUser(u), nil
}

func (s *InMemoryStore) EnsureConversation(_ context.Context, userID, conversationID string) (Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID != "" {
		if c, ok := s.conversations[conversationID]; ok {
			if c.UserID != userID {
				return Conversation{}, false, ErrOwnership
			}
			return c, false, nil
		}
	} else {
		conversationID = uuid.NewString()
	}

	now := time.Now().UTC()
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = User{ID: userID, Profile: normalizeProfile(DefaultProfile()), CreatedAt: now, UpdatedAt: now}
	}
	c := Conversation{ID: conversationID, UserID: userID, CreatedAt: now, UpdatedAt: now}
	s.conversations[c.ID] = c
	return c, true, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) UpdateSummary(_ context.Context, conversationID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Summary = summary
	c.UpdatedAt = time.Now().UTC()
	s.conversations[conversationID] = c
	return nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, msg Message) (Message, error) {
	if !msg.Role.Valid() {
		return Message{}, ErrInvalidRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return Message{}, ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return msg, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Message, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) CountMessages(_ context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]), nil
}

func (s *InMemoryStore) AddMemory(_ context.Context, mem Memory) (Memory, error) {
	mem, err := normalizeMemory(mem)
	if err != nil {
		return Memory{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	mem.Tags = append([]string{}, mem.Tags...)
	s.memories[mem.UserID] = append(s.memories[mem.UserID], mem)
	return mem, nil
}

func (s *InMemoryStore) RecentMemories(_ context.Context, userID string, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.memories[userID]
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Memory, 0, limit)
	for i := len(arr) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) ListMemories(_ context.Context, userID string) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Memory(nil), s.memories[userID]...), nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneUser(u User) User {
	prefs := make(map[string]string, len(u.Profile.Preferences))
	for k, v := range u.Profile.Preferences {
		prefs[k] = v
	}
	u.Profile.Preferences = prefs
	u.Profile.Interests = append([]string{}, u.Profile.Interests...)
	return u
}
