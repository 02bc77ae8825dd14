// Package prompt assembles the ordered model input for a turn.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/plan"
	"github.com/ent0n29/companion/internal/recall"
)

var ErrHistoryUnavailable = errors.New("conversation history unavailable")

const (
	DefaultHistoryTurns      = 12
	DefaultHistoryTokenLimit = 3000
)

type Message struct {
	Role    memory.Role `json:"role"`
	Content string      `json:"content"`
}

// Recaller is the memory retrieval the assembler depends on.
type Recaller interface {
	Recall(ctx context.Context, userID, query string, k int) recall.Result
}

type Options struct {
	TopK              int
	HistoryTurns      int
	HistoryTokenLimit int
}

type Assembly struct {
	Messages     []Message
	Conversation memory.Conversation
	Created      bool
	Profile      memory.Profile
	Recall       recall.Result
	Plan         plan.Plan
}

type Assembler struct {
	store    memory.Store
	recaller Recaller
	persona  Persona
	counter  TokenCounter
	opts     Options
}

func NewAssembler(store memory.Store, recaller Recaller, persona Persona, counter TokenCounter, opts Options) *Assembler {
	if opts.TopK <= 0 {
		opts.TopK = recall.DefaultTopK
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = DefaultHistoryTurns
	}
	if opts.HistoryTokenLimit <= 0 {
		opts.HistoryTokenLimit = DefaultHistoryTokenLimit
	}
	if counter == nil {
		counter = RuneEstimator{}
	}
	return &Assembler{store: store, recaller: recaller, persona: persona, counter: counter, opts: opts}
}

// Assemble gathers profile, memories and history for the turn and returns
// the ordered message list with the user's text last. An empty or unknown
// convoID starts a new conversation.
func (a *Assembler) Assemble(ctx context.Context, userID, convoID, text string) (Assembly, error) {
	logger := logging.FromCtx(ctx)

	convo, created, err := a.store.EnsureConversation(ctx, userID, convoID)
	if err != nil {
		return Assembly{}, fmt.Errorf("ensure conversation: %w", err)
	}

	var (
		profile = memory.DefaultProfile()
		result  recall.Result
		history []memory.Message
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := a.store.GetUser(gctx, userID)
		switch {
		case err == nil:
			profile = u.Profile
		case errors.Is(err, memory.ErrNotFound):
		default:
			logger.Warn().Err(err).Str("user_id", userID).Msg("profile unavailable, using default")
		}
		return nil
	})
	g.Go(func() error {
		result = a.recaller.Recall(gctx, userID, text, a.opts.TopK)
		return nil
	})
	if !created {
		g.Go(func() error {
			msgs, err := a.store.RecentMessages(gctx, convo.ID, a.opts.HistoryTurns)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
			}
			history = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Assembly{}, err
	}

	p := plan.Build(plan.Input{
		Text:        text,
		Profile:     profile,
		HasMemories: len(result.Memories) > 0,
		HistoryLen:  len(history),
	})

	msgs := make([]Message, 0, len(history)+3)
	msgs = append(msgs, Message{
		Role:    memory.RoleSystem,
		Content: a.persona.Render(profile) + "\n\n" + p.Guidance(),
	})
	if block := contextBlock(profile, convo.Summary, result.Memories); block != "" {
		msgs = append(msgs, Message{Role: memory.RoleSystem, Content: block})
	}
	for _, m := range a.trimHistory(history) {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, Message{Role: memory.RoleUser, Content: text})

	return Assembly{
		Messages:     msgs,
		Conversation: convo,
		Created:      created,
		Profile:      profile,
		Recall:       result,
		Plan:         p,
	}, nil
}

// trimHistory drops the oldest messages until the history fits the token
// budget. The newest message is always kept.
func (a *Assembler) trimHistory(history []memory.Message) []memory.Message {
	if len(history) == 0 {
		return nil
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += a.counter.Count(history[i].Content)
		if total > a.opts.HistoryTokenLimit && i < len(history)-1 {
			break
		}
		start = i
	}
	return history[start:]
}

func contextBlock(profile memory.Profile, summary string, mems []memory.Memory) string {
	var sections []string

	if !profile.IsEmpty() {
		var b strings.Builder
		b.WriteString("What you know about them:")
		if profile.Name != "" {
			fmt.Fprintf(&b, "\n- Name: %s", profile.Name)
		}
		if profile.CommunicationStyle != "" {
			fmt.Fprintf(&b, "\n- Communication style: %s", profile.CommunicationStyle)
		}
		if len(profile.Interests) > 0 {
			fmt.Fprintf(&b, "\n- Interests: %s", strings.Join(profile.Interests, ", "))
		}
		if len(profile.Preferences) > 0 {
			keys := make([]string, 0, len(profile.Preferences))
			for k := range profile.Preferences {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			prefs := make([]string, len(keys))
			for i, k := range keys {
				prefs[i] = k + ": " + profile.Preferences[k]
			}
			fmt.Fprintf(&b, "\n- Preferences: %s", strings.Join(prefs, "; "))
		}
		if profile.RelationshipLevel != "" && profile.RelationshipLevel != memory.RelationshipNew {
			fmt.Fprintf(&b, "\n- Relationship: %s", profile.RelationshipLevel)
		}
		sections = append(sections, b.String())
	}

	if s := strings.TrimSpace(summary); s != "" {
		sections = append(sections, "Earlier in this conversation:\n"+s)
	}

	if len(mems) > 0 {
		var b strings.Builder
		b.WriteString("Things you remember about them:")
		for _, m := range mems {
			fmt.Fprintf(&b, "\n- (%s) %s", m.Kind, m.Content)
		}
		sections = append(sections, b.String())
	}

	return strings.Join(sections, "\n\n")
}
