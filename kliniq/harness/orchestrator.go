package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/language"
	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// FallbackReply is returned to the user when the pipeline fails.
const FallbackReply = "I'm sorry, I'm having trouble processing your request right now. " +
	"Please try again or contact support if the issue persists."

const titleRunes = 50

// InboundRequest is one user utterance. The user is already authenticated upstream.
type InboundRequest struct {
	ConversationID string        `json:"conversationId"`
	UserID         string        `json:"userId"`
	UtteranceText  string        `json:"utteranceText"`
	Channel        ports.Channel `json:"channel"`
}

// ToolResultView is the user-facing outcome of one invocation.
type ToolResultView struct {
	InvocationID string                 `json:"invocationId"`
	Tool         string                 `json:"tool"`
	Status       ports.InvocationStatus `json:"status"`
	Detail       any                    `json:"detail,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorKind    string                 `json:"errorKind,omitempty"`
}

// OutboundResponse is the final payload of one request.
type OutboundResponse struct {
	ConversationID       string           `json:"conversationId"`
	TurnID               string           `json:"turnId,omitempty"`
	AssistantText        string           `json:"assistantText"`
	ToolResults          []ToolResultView `json:"toolResults"`
	ConversationLanguage ports.Language   `json:"conversationLanguage"`
	LanguageMismatch     bool             `json:"languageMismatch"`
	State                State            `json:"state"`
	Partial              bool             `json:"partial"` // some tools succeeded before a failure
}

// ConversationManager sequences detection, context assembly, the model call,
// tool execution, translation and persistence for each request.
type ConversationManager struct {
	store      ports.ConversationStore
	records    ports.RecordStore
	detector   *language.Detector
	assembler  *ContextAssembler
	gateway    *ModelGateway
	executor   *ToolExecutor
	translator ports.Translator // nil disables reply translation
	locks      *ConversationLocks
	busy       BusyPolicy
	tracer     ports.Tracer
	logger     zerolog.Logger
	now        func() time.Time
}

// NewConversationManager creates a manager with dependencies.
func NewConversationManager(
	store ports.ConversationStore,
	records ports.RecordStore,
	detector *language.Detector,
	assembler *ContextAssembler,
	gateway *ModelGateway,
	executor *ToolExecutor,
	translator ports.Translator,
	busy BusyPolicy,
	tracer ports.Tracer,
	logger zerolog.Logger,
) *ConversationManager {
	if busy != BusyReject {
		busy = BusyQueue
	}
	return &ConversationManager{
		store:      store,
		records:    records,
		detector:   detector,
		assembler:  assembler,
		gateway:    gateway,
		executor:   executor,
		translator: translator,
		locks:      NewConversationLocks(),
		busy:       busy,
		tracer:     tracer,
		logger:     logger,
		now:        time.Now,
	}
}

// request carries the per-request pipeline state.
type request struct {
	in      InboundRequest
	sm      *StateMachine
	conv    ports.Conversation
	facts   ports.PatientFacts
	lang    ports.Language
	results []ToolResult
	log     zerolog.Logger
}

// Handle runs one request to COMPLETE or FAILED. A FAILED request returns
// both the fallback response and the cause. Busy, invalid and foreign
// conversation requests return only an error.
func (m *ConversationManager) Handle(ctx context.Context, in InboundRequest) (resp *OutboundResponse, err error) {
	if err := m.normalize(&in); err != nil {
		return nil, err
	}

	ctx, finish := m.tracer.StartSpan(ctx, "handle", map[string]any{
		"conversation_id": in.ConversationID,
		"user_id":         in.UserID,
		"channel":         string(in.Channel),
	})
	defer func() { finish(err) }()

	release, err := m.locks.Acquire(ctx, in.ConversationID, m.busy)
	if err != nil {
		return nil, err
	}
	defer release()

	r := &request{
		in:  in,
		log: m.logger.With().Str("conversation_id", in.ConversationID).Logger(),
	}
	r.sm = NewStateMachine(func(from, to State) {
		m.tracer.Event(ctx, "state_transition", map[string]any{"from": string(from), "to": string(to)})
		r.log.Debug().Str("from", string(from)).Str("state", string(to)).Msg("state transition")
	})

	// The user turn is stored even if the client has gone; only the model call
	// below honours cancellation.
	detached := context.WithoutCancel(ctx)

	factsErr := m.loadFacts(detached, r)

	if err := m.loadConversation(detached, r); err != nil {
		if errors.Is(err, ports.ErrConversationNotOwned) {
			return nil, err
		}
		return m.fail(r, err)
	}

	// RECEIVED: persist the user turn before anything can fail upstream.
	res := m.detector.Resolve(in.UtteranceText, r.conv.LanguagePreference)
	r.lang = res.Language
	userTurn, err := m.store.AppendTurn(detached, ports.Turn{
		ID:             uuid.NewString(),
		ConversationID: r.conv.ID,
		Role:           ports.RoleUser,
		Text:           in.UtteranceText,
		Language:       r.lang,
		Channel:        in.Channel,
	})
	if err != nil {
		return m.fail(r, fmt.Errorf("failed to persist user turn: %w", err))
	}
	r.conv.Turns = append(r.conv.Turns, userTurn)
	r.log.Info().
		Str("language", string(r.lang)).
		Float64("confidence", res.Confidence).
		Bool("fell_back", res.FellBack).
		Msg("user turn received")

	if factsErr != nil {
		return m.fail(r, fmt.Errorf("failed to load patient facts: %w", factsErr))
	}
	bundle := m.assembler.Assemble(&r.conv, &r.facts, r.lang)
	if err := r.sm.Transition(StateContextBuilt); err != nil {
		return m.fail(r, err)
	}

	reply, err := m.gateway.Generate(ctx, bundle)
	if err != nil {
		return m.fail(r, err)
	}
	if err := r.sm.Transition(StateModelCalled); err != nil {
		return m.fail(r, err)
	}

	// Tool side effects and persistence run to completion even if the client leaves.
	if len(reply.Invocations) > 0 {
		r.results = m.executor.ExecuteAll(detached, reply.Invocations, &r.conv, &r.facts)
		if err := r.sm.Transition(StateToolsResolved); err != nil {
			return m.fail(r, err)
		}
	}

	delivered, translation, mismatch, replyLang := m.localize(detached, r, reply.Text)
	if err := r.sm.Transition(StateTranslated); err != nil {
		return m.fail(r, err)
	}

	invocations := make([]ports.ToolInvocation, len(r.results))
	for i, tr := range r.results {
		invocations[i] = tr.Invocation
	}
	assistantTurn, err := m.store.AppendTurn(detached, ports.Turn{
		ID:             uuid.NewString(),
		ConversationID: r.conv.ID,
		Role:           ports.RoleAssistant,
		Text:           reply.Text,
		Language:       replyLang,
		Invocations:    invocations,
		Translation:    translation,
	})
	if err != nil {
		return m.fail(r, fmt.Errorf("failed to persist assistant turn: %w", err))
	}
	if err := r.sm.Transition(StatePersisted); err != nil {
		return m.fail(r, err)
	}
	if err := r.sm.Transition(StateComplete); err != nil {
		return m.fail(r, err)
	}

	r.log.Info().
		Int("attempts", reply.Attempts).
		Int("tools", len(r.results)).
		Bool("language_mismatch", mismatch).
		Msg("request complete")

	return &OutboundResponse{
		ConversationID:       r.conv.ID,
		TurnID:               assistantTurn.ID,
		AssistantText:        delivered,
		ToolResults:          toolViews(r.results),
		ConversationLanguage: r.lang,
		LanguageMismatch:     mismatch,
		State:                r.sm.Current(),
		Partial:              false,
	}, nil
}

// SetLanguagePreference records an explicit language choice by the owner.
func (m *ConversationManager) SetLanguagePreference(ctx context.Context, conversationID, userID string, lang ports.Language) error {
	if !lang.Valid() {
		return fmt.Errorf("%w: unsupported language %q", ports.ErrInvalidRequest, lang)
	}
	if _, err := m.History(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := m.store.UpdateLanguagePreference(ctx, conversationID, lang); err != nil {
		return err
	}
	m.logger.Info().Str("conversation_id", conversationID).Str("language", string(lang)).Msg("language preference updated")
	return nil
}

// History returns the conversation if it belongs to userID.
func (m *ConversationManager) History(ctx context.Context, conversationID, userID string) (ports.Conversation, error) {
	if conversationID == "" || userID == "" {
		return ports.Conversation{}, fmt.Errorf("%w: conversation and user are required", ports.ErrInvalidRequest)
	}
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return ports.Conversation{}, err
	}
	if conv.UserID != userID {
		return ports.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ports.ErrConversationNotOwned)
	}
	return conv, nil
}

func (m *ConversationManager) normalize(in *InboundRequest) error {
	in.UserID = strings.TrimSpace(in.UserID)
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	if in.UserID == "" {
		return fmt.Errorf("%w: userId is required", ports.ErrInvalidRequest)
	}
	if strings.TrimSpace(in.UtteranceText) == "" {
		return fmt.Errorf("%w: utteranceText is required", ports.ErrInvalidRequest)
	}
	switch in.Channel {
	case "":
		in.Channel = ports.ChannelText
	case ports.ChannelText, ports.ChannelVoiceTranscribed:
	default:
		return fmt.Errorf("%w: unsupported channel %q", ports.ErrInvalidRequest, in.Channel)
	}
	if in.ConversationID == "" {
		in.ConversationID = uuid.NewString()
	}
	return nil
}

// loadFacts fills r.facts. A user without a patient profile gets empty facts;
// any other failure is returned for the caller to surface once the user turn is stored.
func (m *ConversationManager) loadFacts(ctx context.Context, r *request) error {
	facts, err := m.records.LoadFacts(ctx, r.in.UserID)
	switch {
	case err == nil:
		r.facts = facts
	case errors.Is(err, ports.ErrNotFound):
		r.log.Warn().Str("user_id", r.in.UserID).Msg("no patient profile, continuing without facts")
		r.facts = ports.PatientFacts{UserID: r.in.UserID}
	default:
		r.facts = ports.PatientFacts{UserID: r.in.UserID}
		return err
	}
	return nil
}

func (m *ConversationManager) loadConversation(ctx context.Context, r *request) error {
	conv, err := m.store.GetConversation(ctx, r.in.ConversationID)
	if err == nil {
		if conv.UserID != r.in.UserID {
			return fmt.Errorf("conversation %s: %w", conv.ID, ports.ErrConversationNotOwned)
		}
		r.conv = conv
		return nil
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	now := m.now()
	conv = ports.Conversation{
		ID:        r.in.ConversationID,
		UserID:    r.in.UserID,
		Title:     conversationTitle(r.in.UtteranceText),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.facts.PreferredLanguage.Valid() {
		conv.LanguagePreference = r.facts.PreferredLanguage
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	r.log.Info().Str("title", conv.Title).Msg("conversation created")
	r.conv = conv
	return nil
}

// localize translates the reply into the conversation language when it was
// confidently written in another one. A failed translation degrades to the
// original text with the mismatch flag set.
func (m *ConversationManager) localize(ctx context.Context, r *request, text string) (delivered string, tr *ports.TurnTranslation, mismatch bool, replyLang ports.Language) {
	if strings.TrimSpace(text) == "" {
		return text, nil, false, r.lang
	}

	det := m.detector.Detect(text)
	if det.Confidence < m.detector.Threshold() || det.Confidence == 0 || det.Language == r.lang {
		return text, nil, false, r.lang
	}

	if m.translator == nil {
		return text, nil, true, det.Language
	}
	out, err := m.translator.Translate(ctx, text, det.Language, r.lang)
	if err != nil {
		r.log.Warn().Err(err).Str("from", string(det.Language)).Str("to", string(r.lang)).Msg("returning untranslated reply")
		m.tracer.Event(ctx, "translation_degraded", map[string]any{"error": err.Error()})
		return text, nil, true, det.Language
	}
	return out, &ports.TurnTranslation{Text: out, Language: r.lang}, false, det.Language
}

func (m *ConversationManager) fail(r *request, cause error) (*OutboundResponse, error) {
	if err := r.sm.Transition(StateFailed); err != nil {
		r.log.Error().Err(err).Msg("failed to enter FAILED")
	}

	partial := false
	for _, tr := range r.results {
		if tr.Invocation.Status == ports.StatusSucceeded {
			partial = true
			break
		}
	}
	r.log.Error().Err(cause).Str("error_kind", ports.KindName(cause)).Bool("partial", partial).Msg("request failed")

	lang := r.lang
	if lang == "" {
		lang = r.conv.LanguagePreference
	}
	return &OutboundResponse{
		ConversationID:       r.in.ConversationID,
		AssistantText:        FallbackReply,
		ToolResults:          toolViews(r.results),
		ConversationLanguage: lang,
		State:                StateFailed,
		Partial:              partial,
	}, cause
}

func toolViews(results []ToolResult) []ToolResultView {
	views := make([]ToolResultView, 0, len(results))
	for _, tr := range results {
		inv := tr.Invocation
		v := ToolResultView{
			InvocationID: inv.ID,
			Tool:         inv.Name,
			Status:       inv.Status,
			Error:        inv.Error,
			ErrorKind:    inv.ErrorKind,
		}
		if len(inv.Result) > 0 {
			v.Detail = inv.Result
		}
		views = append(views, v)
	}
	return views
}

func conversationTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleRunes {
		return text
	}
	return string([]rune(text)[:titleRunes]) + "..."
}
