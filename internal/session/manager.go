// Package session serializes turns per conversation.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a turn waited longer than the queue timeout for
// the conversation's previous turn to finish.
var ErrBusy = errors.New("conversation busy")

var ErrNotFound = errors.New("conversation gate not found")

// Status describes one conversation gate.
type Status struct {
	ConversationID string    `json:"conversation_id"`
	ActiveTurnID   string    `json:"active_turn_id"`
	Waiting        int       `json:"waiting"`
	TurnsServed    int       `json:"turns_served"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type gate struct {
	sem          chan struct{}
	refs         int
	activeTurnID string
	turnsServed  int
	lastActivity time.Time
}

// Manager hands out one in-flight turn slot per conversation. Waiters queue
// on the conversation's semaphore and give up on context cancellation or
// after the queue timeout.
type Manager struct {
	mu           sync.Mutex
	gates        map[string]*gate
	queueTimeout time.Duration
	idleEviction time.Duration
}

func NewManager(queueTimeout, idleEviction time.Duration) *Manager {
	if queueTimeout <= 0 {
		queueTimeout = 30 * time.Second
	}
	if idleEviction <= 0 {
		idleEviction = 5 * time.Minute
	}
	return &Manager{
		gates:        make(map[string]*gate),
		queueTimeout: queueTimeout,
		idleEviction: idleEviction,
	}
}

// Acquire blocks until turnID owns convoID. The returned release must be
// called exactly once; extra calls are ignored.
func (m *Manager) Acquire(ctx context.Context, convoID, turnID string) (func(), error) {
	m.mu.Lock()
	g, ok := m.gates[convoID]
	if !ok {
		g = &gate{sem: make(chan struct{}, 1), lastActivity: time.Now().UTC()}
		m.gates[convoID] = g
	}
	g.refs++
	m.mu.Unlock()

	timer := time.NewTimer(m.queueTimeout)
	defer timer.Stop()

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		m.leave(g)
		return nil, ctx.Err()
	case <-timer.C:
		m.leave(g)
		return nil, ErrBusy
	}

	m.mu.Lock()
	g.activeTurnID = turnID
	g.lastActivity = time.Now().UTC()
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			g.activeTurnID = ""
			g.turnsServed++
			g.lastActivity = time.Now().UTC()
			g.refs--
			m.mu.Unlock()
			<-g.sem
		})
	}, nil
}

func (m *Manager) leave(g *gate) {
	m.mu.Lock()
	g.refs--
	m.mu.Unlock()
}

func (m *Manager) Get(convoID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[convoID]
	if !ok {
		return Status{}, ErrNotFound
	}
	waiting := g.refs
	if g.activeTurnID != "" {
		waiting--
	}
	return Status{
		ConversationID: convoID,
		ActiveTurnID:   g.activeTurnID,
		Waiting:        waiting,
		TurnsServed:    g.turnsServed,
		LastActivityAt: g.lastActivity,
	}, nil
}

// ActiveCount returns the number of conversations with a turn in flight.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, g := range m.gates {
		if g.activeTurnID != "" {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
}

func (m *Manager) evictIdle() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, g := range m.gates {
		if g.refs > 0 {
			continue
		}
		if now.Sub(g.lastActivity) < m.idleEviction {
			continue
		}
		delete(m.gates, id)
	}
}
