// Package finalize persists a finished turn and runs the bookkeeping that
// follows it: memory extraction and batched summary refresh.
package finalize

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
)

type Turn struct {
	UserID         string
	ConversationID string
	UserText       string
	AssistantText  string
}

// Outcome reports what Finalize did. Soft failures show up only here.
type Outcome struct {
	UserMessage      memory.Message
	AssistantMessage memory.Message
	MessageCount     int
	Extracted        []memory.Memory
	ExtractionFailed bool
	SummaryRefreshed bool
	RefreshFailed    bool
}

// Rememberer stores a memory and makes it recallable.
type Rememberer interface {
	Remember(ctx context.Context, mem memory.Memory) (memory.Memory, error)
}

type Options struct {
	SummaryThreshold int
	SummaryWindow    int
}

type Finalizer struct {
	store      memory.Store
	remember   Rememberer
	extractor  Extractor
	summarizer Summarizer
	policy     RefreshPolicy
	window     int
}

// New builds a Finalizer. A nil remember writes memories straight to store;
// a nil extractor uses LexicalExtractor; a nil summarizer uses
// ExtractiveSummarizer.
func New(store memory.Store, remember Rememberer, extractor Extractor, summarizer Summarizer, opts Options) *Finalizer {
	if extractor == nil {
		extractor = LexicalExtractor{}
	}
	if summarizer == nil {
		summarizer = ExtractiveSummarizer{}
	}
	if opts.SummaryWindow <= 0 {
		opts.SummaryWindow = DefaultSummaryWindow
	}
	return &Finalizer{
		store:      store,
		remember:   remember,
		extractor:  extractor,
		summarizer: summarizer,
		policy:     RefreshPolicy{Threshold: opts.SummaryThreshold},
		window:     opts.SummaryWindow,
	}
}

// CommitUser persists only the user's message. It is used for turns that
// end without a complete assistant reply.
func (f *Finalizer) CommitUser(ctx context.Context, convoID, text string) (memory.Message, error) {
	msg, err := f.store.AppendMessage(ctx, memory.Message{
		ConversationID: convoID,
		Role:           memory.RoleUser,
		Content:        text,
	})
	if err != nil {
		return memory.Message{}, fmt.Errorf("persist user message: %w", err)
	}
	return msg, nil
}

// Finalize persists the user message and then the assistant message. A
// persistence error is returned; extraction and summary failures are logged
// and reported in the outcome only.
func (f *Finalizer) Finalize(ctx context.Context, turn Turn) (Outcome, error) {
	logger := logging.FromCtx(ctx).With().
		Str("user_id", turn.UserID).
		Str("conversation_id", turn.ConversationID).
		Logger()

	var out Outcome
	var err error
	out.UserMessage, err = f.CommitUser(ctx, turn.ConversationID, turn.UserText)
	if err != nil {
		return out, err
	}
	out.AssistantMessage, err = f.store.AppendMessage(ctx, memory.Message{
		ConversationID: turn.ConversationID,
		Role:           memory.RoleAssistant,
		Content:        turn.AssistantText,
	})
	if err != nil {
		return out, fmt.Errorf("persist assistant message: %w", err)
	}

	out.Extracted, err = f.extract(ctx, turn)
	if err != nil {
		out.ExtractionFailed = true
		logger.Warn().Err(err).Msg("memory extraction failed")
	}

	count, err := f.store.CountMessages(ctx, turn.ConversationID)
	if err != nil {
		out.RefreshFailed = true
		logger.Warn().Err(err).Msg("message count unavailable, summary refresh skipped")
		return out, nil
	}
	out.MessageCount = count
	if !f.policy.ShouldRefresh(count-2, count) {
		return out, nil
	}
	if err := f.refreshSummary(ctx, turn.ConversationID); err != nil {
		out.RefreshFailed = true
		logger.Warn().Err(err).Int("message_count", count).Msg("summary refresh failed")
		return out, nil
	}
	out.SummaryRefreshed = true
	logger.Debug().Int("message_count", count).Msg("conversation summary refreshed")
	return out, nil
}

func (f *Finalizer) extract(ctx context.Context, turn Turn) ([]memory.Memory, error) {
	candidates, err := f.extractor.Extract(ctx, turn)
	if err != nil {
		return nil, err
	}
	if len(candidates) > MaxExtracted {
		candidates = candidates[:MaxExtracted]
	}

	var stored []memory.Memory
	var errs []string
	for _, c := range candidates {
		mem := memory.Memory{
			UserID:     turn.UserID,
			Kind:       memory.KindMoment,
			Content:    c.Content,
			Importance: DefaultMomentImportance,
			Tags:       c.Tags,
		}
		var saved memory.Memory
		if f.remember != nil {
			saved, err = f.remember.Remember(ctx, mem)
		} else {
			saved, err = f.store.AddMemory(ctx, mem)
		}
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		stored = append(stored, saved)
	}
	if len(errs) > 0 {
		return stored, fmt.Errorf("store extracted memories: %s", strings.Join(errs, "; "))
	}
	return stored, nil
}

func (f *Finalizer) refreshSummary(ctx context.Context, convoID string) error {
	convo, err := f.store.GetConversation(ctx, convoID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	window, err := f.store.RecentMessages(ctx, convoID, f.window)
	if err != nil {
		return fmt.Errorf("load summary window: %w", err)
	}
	summary, err := f.summarizer.Summarize(ctx, convo.Summary, window)
	if err != nil {
		return err
	}
	return f.store.UpdateSummary(ctx, convoID, summary)
}
