// Package turn runs one conversational turn end to end: screening, context
// assembly, streamed generation, optional synthesis and finalization.
package turn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/companion/internal/finalize"
	"github.com/ent0n29/companion/internal/generation"
	"github.com/ent0n29/companion/internal/logging"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/policy"
	"github.com/ent0n29/companion/internal/prompt"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/voice"
)

const (
	outcomeOK        = "ok"
	outcomeBlocked   = "blocked"
	outcomeInvalid   = "invalid"
	outcomeBusy      = "busy"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

type Screener interface {
	Screen(ctx context.Context, raw string) (policy.Screening, error)
}

type Assembler interface {
	Assemble(ctx context.Context, userID, convoID, text string) (prompt.Assembly, error)
}

type Finalizer interface {
	CommitUser(ctx context.Context, convoID, text string) (memory.Message, error)
	Finalize(ctx context.Context, t finalize.Turn) (finalize.Outcome, error)
}

// Gate serializes turns that share a conversation.
type Gate interface {
	Acquire(ctx context.Context, convoID, turnID string) (func(), error)
}

type Options struct {
	Sampling generation.Sampling
	// SynthesisTimeout bounds the best-effort voice step.
	SynthesisTimeout time.Duration
	// PersistTimeout bounds writes that must finish after the caller is gone.
	PersistTimeout time.Duration
	// DeliveryTimeout bounds how long the terminal event waits for a reader.
	DeliveryTimeout time.Duration
}

// Deps are the collaborators of a Pipeline. Synthesizer and Metrics may be nil.
type Deps struct {
	Guard       Screener
	Assembler   Assembler
	Backend     generation.Backend
	Finalizer   Finalizer
	Gate        Gate
	Synthesizer voice.Synthesizer
	Metrics     *observability.Metrics
}

type Pipeline struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Pipeline {
	if opts.Sampling == (generation.Sampling{}) {
		opts.Sampling = generation.DefaultSampling()
	}
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = 8 * time.Second
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	return &Pipeline{deps: deps, opts: opts}
}

// Run starts a turn and returns its event stream. The stream carries zero or
// more token events, at most one audio event and exactly one terminal
// complete or error event, then closes. Cancelling ctx stops generation.
// req.TurnID is used as the turn id when set.
func (p *Pipeline) Run(ctx context.Context, req protocol.TurnRequest) <-chan protocol.Event {
	out := make(chan protocol.Event, 64)
	turnID := strings.TrimSpace(req.TurnID)
	if turnID == "" {
		turnID = uuid.NewString()
	}
	go p.run(ctx, turnID, req, out)
	return out
}

type turnState struct {
	id      string
	convoID string
	out     chan<- protocol.Event
}

func (p *Pipeline) run(ctx context.Context, turnID string, req protocol.TurnRequest, out chan protocol.Event) {
	defer close(out)

	ctx = logging.WithFields(ctx, map[string]string{"turn_id": turnID, "user_id": req.UserID})
	logger := logging.FromCtx(ctx)
	m := p.deps.Metrics
	if m != nil {
		m.ActiveTurns.Inc()
		defer m.ActiveTurns.Dec()
	}

	st := &turnState{id: turnID, convoID: req.ConvoID, out: out}
	start := time.Now()

	var terminal protocol.Event
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Msg("turn panicked")
				terminal = newError(ClassDependencyHard, CodeInternal, fmt.Errorf("panic: %v", r)).Event(st.id, st.convoID, "internal error")
			}
		}()
		terminal = p.execute(ctx, st, req)
	}()
	if terminal == nil {
		terminal = newError(ClassDependencyHard, CodeInternal, errors.New("turn ended without a result")).Event(st.id, st.convoID, "")
	}

	outcome := outcomeOK
	if e, ok := terminal.(protocol.Error); ok {
		outcome = outcomeFor(e.Code)
		logger.Info().Str("code", e.Code).Str("source", e.Source).Str("convo_id", st.convoID).Msg("turn failed")
	}
	if m != nil {
		m.Turns.WithLabelValues(outcome).Inc()
		m.ObserveStage(observability.StageTurnTotal, time.Since(start))
	}

	timer := time.NewTimer(p.opts.DeliveryTimeout)
	defer timer.Stop()
	select {
	case out <- terminal:
	case <-timer.C:
		logger.Warn().Msg("dropped terminal turn event, no reader")
	}
}

func outcomeFor(code string) string {
	switch code {
	case CodeContentBlocked:
		return outcomeBlocked
	case CodeInvalidRequest, CodeConversationForbidden:
		return outcomeInvalid
	case CodeConversationBusy:
		return outcomeBusy
	case CodeCancelled:
		return outcomeCancelled
	default:
		return outcomeFailed
	}
}

// emit delivers a non-terminal event unless the turn has been abandoned.
func (st *turnState) emit(ctx context.Context, ev protocol.Event) bool {
	select {
	case st.out <- ev:
		return true
	default:
	}
	select {
	case st.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) execute(ctx context.Context, st *turnState, req protocol.TurnRequest) protocol.Event {
	logger := logging.FromCtx(ctx)
	m := p.deps.Metrics
	fail := func(e *Error, detail string) protocol.Event {
		return e.Event(st.id, st.convoID, detail)
	}

	if strings.TrimSpace(req.UserID) == "" {
		return fail(newError(ClassInput, CodeInvalidRequest, errors.New("user_id is required")), "")
	}

	stageStart := time.Now()
	screening, err := p.deps.Guard.Screen(ctx, req.Text)
	m.ObserveStage(observability.StageScreen, time.Since(stageStart))
	if err != nil {
		if errors.Is(err, policy.ErrEmptyInput) {
			return fail(newError(ClassInput, CodeInvalidRequest, err), "")
		}
		return fail(newError(ClassDependencyHard, CodeInternal, err), "")
	}
	if screening.ClassifierFailed && m != nil {
		m.ClassifierFailures.Inc()
		m.ObserveIndicator("classifier_fail_open")
	}
	if screening.Blocked {
		if m != nil {
			m.BlockedUtterances.WithLabelValues(screening.Reason).Inc()
		}
		return fail(newError(ClassPolicy, CodeContentBlocked, nil), screening.Reason)
	}

	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()
	if st.convoID != "" {
		if release, err = p.acquire(ctx, st); err != nil {
			return fail(AsError(err), "")
		}
	}

	stageStart = time.Now()
	asm, err := p.deps.Assembler.Assemble(ctx, req.UserID, st.convoID, screening.CleanText)
	m.ObserveStage(observability.StageAssemble, time.Since(stageStart))
	if err != nil {
		switch {
		case errors.Is(err, memory.ErrOwnership):
			return fail(newError(ClassInput, CodeConversationForbidden, err), "conversation belongs to another user")
		case errors.Is(err, prompt.ErrHistoryUnavailable):
			return fail(newError(ClassDependencyHard, CodeHistoryUnavailable, err), "")
		case ctx.Err() != nil:
			return fail(newError(ClassGeneration, CodeCancelled, ctx.Err()), "")
		default:
			return fail(newError(ClassDependencyHard, CodeAssemblyFailed, err), "")
		}
	}
	st.convoID = asm.Conversation.ID
	if m != nil {
		m.RecallResults.WithLabelValues(string(asm.Recall.Kind)).Inc()
	}
	if asm.Recall.Err != nil {
		logger.Warn().Err(asm.Recall.Err).Str("kind", string(asm.Recall.Kind)).Msg("memory recall degraded")
	}

	if release == nil {
		if release, err = p.acquire(ctx, st); err != nil {
			return fail(AsError(err), "")
		}
	}

	reply, genErr := p.generate(ctx, st, asm)
	if genErr != nil {
		p.commitUserOnly(ctx, st.convoID, screening.CleanText)
		return fail(genErr, "")
	}

	if req.VoiceEnabled && p.deps.Synthesizer != nil {
		p.synthesize(ctx, st, reply, req.VoiceID)
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.PersistTimeout)
	defer cancel()
	stageStart = time.Now()
	outcome, err := p.deps.Finalizer.Finalize(fctx, finalize.Turn{
		UserID:         req.UserID,
		ConversationID: st.convoID,
		UserText:       screening.CleanText,
		AssistantText:  reply,
	})
	m.ObserveStage(observability.StageFinalize, time.Since(stageStart))
	if err != nil {
		logger.Error().Err(err).Str("convo_id", st.convoID).Msg("turn persistence failed")
		return fail(newError(ClassDependencyHard, CodePersistenceFailed, err), "")
	}
	if m != nil {
		if outcome.ExtractionFailed {
			m.FinalizerSoftFailures.WithLabelValues("extract").Inc()
		}
		if outcome.RefreshFailed {
			m.FinalizerSoftFailures.WithLabelValues("summary").Inc()
		}
		if outcome.SummaryRefreshed {
			m.ObserveIndicator("summary_refreshed")
		}
	}

	return protocol.Complete{
		Type:             protocol.TypeComplete,
		TurnID:           st.id,
		ConvoID:          st.convoID,
		Text:             reply,
		RecallKind:       string(asm.Recall.Kind),
		MemoryCount:      len(asm.Recall.Memories),
		SummaryRefreshed: outcome.SummaryRefreshed,
	}
}

func (p *Pipeline) acquire(ctx context.Context, st *turnState) (func(), error) {
	release, err := p.deps.Gate.Acquire(ctx, st.convoID, st.id)
	switch {
	case err == nil:
		return release, nil
	case errors.Is(err, session.ErrBusy):
		return nil, newError(ClassDependencyHard, CodeConversationBusy, err)
	case ctx.Err() != nil:
		return nil, newError(ClassGeneration, CodeCancelled, err)
	default:
		return nil, newError(ClassDependencyHard, CodeInternal, err)
	}
}

// generate streams fragments to the caller and returns the full reply.
// A reply is returned only when the backend finished cleanly.
func (p *Pipeline) generate(ctx context.Context, st *turnState, asm prompt.Assembly) (string, *Error) {
	m := p.deps.Metrics
	backend := p.deps.Backend
	start := time.Now()

	stream, err := backend.Stream(ctx, generation.Request{Messages: asm.Messages, Sampling: p.opts.Sampling})
	if err != nil {
		if ctx.Err() != nil {
			return "", newError(ClassGeneration, CodeCancelled, ctx.Err())
		}
		if m != nil {
			m.GenerationErrors.WithLabelValues(backend.Name()).Inc()
		}
		return "", newError(ClassGeneration, CodeGenerationFailed, err)
	}
	defer stream.Close()

	var (
		reply strings.Builder
		first = true
	)
	for stream.Next() {
		frag := stream.Fragment()
		if first {
			m.ObserveStage(observability.StageFirstToken, time.Since(start))
			first = false
		}
		reply.WriteString(frag)
		if !st.emit(ctx, protocol.Token{Type: protocol.TypeToken, TurnID: st.id, Text: frag}) {
			break
		}
	}
	m.ObserveStage(observability.StageGenerate, time.Since(start))

	if ctx.Err() != nil {
		return "", newError(ClassGeneration, CodeCancelled, ctx.Err())
	}
	if err := stream.Err(); err != nil {
		if m != nil {
			m.GenerationErrors.WithLabelValues(backend.Name()).Inc()
		}
		return "", newError(ClassGeneration, CodeGenerationFailed, err)
	}
	text := strings.TrimSpace(reply.String())
	if text == "" {
		if m != nil {
			m.GenerationErrors.WithLabelValues(backend.Name()).Inc()
		}
		return "", newError(ClassGeneration, CodeGenerationFailed, generation.ErrEmptyCompletion)
	}
	return text, nil
}

// synthesize renders the reply as audio. Any failure only omits the audio event.
func (p *Pipeline) synthesize(ctx context.Context, st *turnState, reply, voiceID string) {
	m := p.deps.Metrics
	logger := logging.FromCtx(ctx)

	sctx, cancel := context.WithTimeout(ctx, p.opts.SynthesisTimeout)
	defer cancel()
	start := time.Now()
	clip, err := p.deps.Synthesizer.Synthesize(sctx, reply, voiceID)
	m.ObserveStage(observability.StageSynthesize, time.Since(start))
	if err != nil {
		if errors.Is(err, voice.ErrNothingToSpeak) {
			logger.Debug().Msg("reply has nothing speakable")
			return
		}
		if m != nil {
			m.SynthesisFailures.Inc()
		}
		soft := newError(ClassDependencySoft, CodeSynthesisFailed, err)
		logger.Warn().Err(soft).Str("provider", p.deps.Synthesizer.Name()).Msg("voice synthesis skipped")
		return
	}
	st.emit(ctx, protocol.Audio{
		Type:        protocol.TypeAudio,
		TurnID:      st.id,
		Format:      clip.Format,
		AudioBase64: base64.StdEncoding.EncodeToString(clip.Data),
		DurationMS:  clip.Duration.Milliseconds(),
	})
}

// commitUserOnly keeps the user's side of a turn whose reply never finished.
func (p *Pipeline) commitUserOnly(ctx context.Context, convoID, text string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.PersistTimeout)
	defer cancel()
	if _, err := p.deps.Finalizer.CommitUser(cctx, convoID, text); err != nil {
		soft := newError(ClassDependencySoft, CodePersistenceFailed, err)
		logging.FromCtx(ctx).Warn().Err(soft).Str("convo_id", convoID).Msg("user message not persisted")
	}
}
