package harness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/language"
	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/tools"
)

const (
	englishUtterance = "I have a headache and fever since yesterday"
	yorubaUtterance  = "Ẹ kú àárọ̀, orí mi ń fọ́ mi"
	englishReply     = "Please rest and drink water. You should see a doctor if the fever does not go down."
	triageBlock      = `<TOOL_CALL>{"tool": "create_triage", "parameters": {"symptoms": "headache and fever", "urgency_level": "medium"}}</TOOL_CALL>`
)

type managerFixture struct {
	store      *memStore
	ledger     *memLedger
	records    *memRecords
	provider   *mockProvider
	translator *stubTranslator
	tracer     *recordingTracer
	mgr        *ConversationManager
}

func newManagerFixture(t *testing.T, busy BusyPolicy) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:      newMemStore(),
		ledger:     newMemLedger(),
		records:    newMemRecords(),
		provider:   &mockProvider{},
		translator: &stubTranslator{},
		tracer:     &recordingTracer{},
	}

	reg, err := NewToolRegistry(
		tools.NewCreateTriageTool(f.records),
		tools.NewRequestAppointmentTool(f.records),
		tools.NewTranslateTool(f.translator),
	)
	require.NoError(t, err)

	builder := NewPromptBuilder()
	validator := NewJSONValidator()
	assembler := NewContextAssembler(Budget{MaxTurns: 10, MaxContextTokens: 2000, MaxFactsChars: 800, PinTriage: true}, builder, reg.Specs(), nil)
	gateway := NewModelGateway(f.provider, builder, reg, validator, &noOpRateLimiter{}, f.tracer, zerolog.Nop(),
		RetryPolicy{MaxAttempts: 3, AttemptTimeout: time.Second}, ports.Options{MaxNewTokens: 512})
	gateway.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	executor := NewToolExecutor(reg, f.ledger, validator, nil, 4, time.Second, f.tracer, zerolog.Nop())

	f.mgr = NewConversationManager(f.store, f.records, language.NewDetector(0.5, ports.LanguageEnglish),
		assembler, gateway, executor, f.translator, busy, f.tracer, zerolog.Nop())
	return f
}

func chat(conversationID, text string) InboundRequest {
	return InboundRequest{ConversationID: conversationID, UserID: "user-1", UtteranceText: text}
}

func TestManager_CompletesWithTool(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.provider.onComplete().Return(ports.Completion{Text: englishReply + "\n" + triageBlock}, nil).Once()

	resp, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))

	require.NoError(t, err)
	assert.Equal(t, StateComplete, resp.State)
	assert.Equal(t, englishReply, resp.AssistantText)
	assert.Equal(t, ports.LanguageEnglish, resp.ConversationLanguage)
	assert.False(t, resp.LanguageMismatch)
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, ports.StatusSucceeded, resp.ToolResults[0].Status)
	assert.Equal(t, ports.ToolCreateTriage, resp.ToolResults[0].Tool)

	turns := f.store.turns("conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, ports.RoleUser, turns[0].Role)
	assert.Equal(t, ports.ChannelText, turns[0].Channel)
	assert.Equal(t, ports.RoleAssistant, turns[1].Role)
	assert.True(t, turns[1].CreatedAt.After(turns[0].CreatedAt))
	assert.Equal(t, resp.TurnID, turns[1].ID)
	require.Len(t, turns[1].Invocations, 1)
	assert.Equal(t, ports.StatusSucceeded, turns[1].Invocations[0].Status)

	conv, err := f.mgr.History(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, englishUtterance, conv.Title)
	assert.Equal(t, ports.LanguageEnglish, conv.LanguagePreference)

	assert.Equal(t, []string{
		"state_transition:CONTEXT_BUILT",
		"state_transition:MODEL_CALLED",
		"state_transition:TOOLS_RESOLVED",
		"state_transition:TRANSLATED",
		"state_transition:PERSISTED",
		"state_transition:COMPLETE",
	}, f.tracer.names())
}

func TestManager_NoToolsSkipsToolsResolved(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.provider.onComplete().Return(ports.Completion{Text: englishReply}, nil).Once()

	resp, err := f.mgr.Handle(context.Background(), chat("", englishUtterance))

	require.NoError(t, err)
	assert.NotEmpty(t, resp.ConversationID, "an ID is assigned to new conversations")
	assert.Empty(t, resp.ToolResults)
	assert.NotContains(t, f.tracer.names(), "state_transition:TOOLS_RESOLVED")
}

func TestManager_ValidAndInvalidInvocationsAreIsolated(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	bad := `<TOOL_CALL>{"tool": "request_appointment", "parameters": {"reason": "fever", "urgency": "whenever"}}</TOOL_CALL>`
	f.provider.onComplete().Return(ports.Completion{Text: englishReply + triageBlock + bad}, nil).Once()

	resp, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))

	require.NoError(t, err)
	assert.Equal(t, StateComplete, resp.State)
	require.Len(t, resp.ToolResults, 2)
	assert.Equal(t, ports.StatusSucceeded, resp.ToolResults[0].Status)
	assert.Equal(t, ports.StatusFailed, resp.ToolResults[1].Status)
	assert.Equal(t, "SchemaValidationFailed", resp.ToolResults[1].ErrorKind)

	_, appointments := f.records.counts()
	assert.Zero(t, appointments)
	for _, inv := range f.store.turns("conv-1")[1].Invocations {
		assert.True(t, inv.Resolved(), "no invocation is left pending")
	}
}

func TestManager_TwoTransientFailuresThenSuccess(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.provider.onComplete().Return(ports.Completion{}, errUnavailable).Twice()
	f.provider.onComplete().Return(ports.Completion{Text: englishReply}, nil).Once()

	resp, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))

	require.NoError(t, err)
	assert.Equal(t, StateComplete, resp.State)
	f.provider.AssertNumberOfCalls(t, "Complete", 3)
}

func TestManager_FourTransientFailuresFail(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.provider.onComplete().Return(ports.Completion{}, errUnavailable).Times(4)

	resp, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))

	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrUpstreamUnavailable)
	require.NotNil(t, resp)
	assert.Equal(t, StateFailed, resp.State)
	assert.Equal(t, FallbackReply, resp.AssistantText)
	assert.False(t, resp.Partial)

	// The utterance survives the failure.
	turns := f.store.turns("conv-1")
	require.Len(t, turns, 1)
	assert.Equal(t, englishUtterance, turns[0].Text)
}

func TestManager_ClientGoneStillStoresUserTurn(t *testing.T) {
	for _, tc := range []struct {
		name     string
		existing bool
		want     int
	}{
		{"new conversation", false, 1},
		{"existing conversation", true, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newManagerFixture(t, BusyQueue)
			f.store.honourCtx = true
			if tc.existing {
				f.provider.onComplete().Return(ports.Completion{Text: englishReply}, nil).Once()
				_, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))
				require.NoError(t, err)
			}
			f.provider.onComplete().Return(ports.Completion{}, context.Canceled).Maybe()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			resp, err := f.mgr.Handle(ctx, chat("conv-1", "The fever is back tonight"))

			require.Error(t, err)
			assert.ErrorIs(t, err, context.Canceled)
			require.NotNil(t, resp)
			assert.Equal(t, StateFailed, resp.State)

			turns := f.store.turns("conv-1")
			require.Len(t, turns, tc.want)
			last := turns[len(turns)-1]
			assert.Equal(t, ports.RoleUser, last.Role)
			assert.Equal(t, "The fever is back tonight", last.Text)
		})
	}
}

func TestManager_FailureAfterToolsReportsPartial(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.store.failAssistant = true
	f.provider.onComplete().Return(ports.Completion{Text: englishReply + triageBlock}, nil).Once()

	resp, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))

	require.Error(t, err)
	assert.Equal(t, StateFailed, resp.State)
	assert.True(t, resp.Partial)
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, ports.StatusSucceeded, resp.ToolResults[0].Status)

	triages, _ := f.records.counts()
	assert.Equal(t, 1, triages, "succeeded tools are not rolled back")
}

func TestManager_TranslatorUnreachableStillCompletes(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.translator.err = ports.ErrTranslationUnavailable
	f.provider.onComplete().Return(ports.Completion{Text: englishReply}, nil).Once()

	resp, err := f.mgr.Handle(context.Background(), chat("conv-1", yorubaUtterance))

	require.NoError(t, err)
	assert.Equal(t, StateComplete, resp.State)
	assert.Equal(t, ports.LanguageYoruba, resp.ConversationLanguage)
	assert.True(t, resp.LanguageMismatch)
	assert.Equal(t, englishReply, resp.AssistantText)
	assert.Equal(t, 1, f.translator.calls)
}

func TestManager_TranslatesReplyIntoConversationLanguage(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.provider.onComplete().Return(ports.Completion{Text: englishReply}, nil).Once()

	resp, err := f.mgr.Handle(context.Background(), chat("conv-1", yorubaUtterance))

	require.NoError(t, err)
	assert.False(t, resp.LanguageMismatch)
	assert.Equal(t, "[yo] "+englishReply, resp.AssistantText)

	turns := f.store.turns("conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, ports.LanguageYoruba, turns[0].Language)
	assert.Equal(t, englishReply, turns[1].Text, "the original reply is kept")
	require.NotNil(t, turns[1].Translation)
	assert.Equal(t, ports.LanguageYoruba, turns[1].Translation.Language)
}

func TestManager_DetectionNeverOverwritesPreference(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.provider.onComplete().Return(ports.Completion{Text: "Ẹ sinmi, ẹ mu omi."}, nil)

	_, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))
	require.NoError(t, err)
	require.NoError(t, f.mgr.SetLanguagePreference(context.Background(), "conv-1", "user-1", ports.LanguageHausa))
	_, err = f.mgr.Handle(context.Background(), chat("conv-1", yorubaUtterance))
	require.NoError(t, err)

	conv, err := f.mgr.History(context.Background(), "conv-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, ports.LanguageHausa, conv.LanguagePreference)
	assert.Len(t, conv.Turns, 4)
}

func TestManager_RejectsConcurrentRequest(t *testing.T) {
	f := newManagerFixture(t, BusyReject)
	started, unblock := make(chan struct{}), make(chan struct{})
	f.provider.onComplete().Return(ports.Completion{Text: englishReply}, nil).Run(func(mock.Arguments) {
		close(started)
		<-unblock
	}).Once()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))
		assert.NoError(t, err)
	}()
	<-started

	resp, err := f.mgr.Handle(context.Background(), chat("conv-1", "second message"))
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ports.ErrConversationBusy)

	close(unblock)
	wg.Wait()
	assert.Len(t, f.store.turns("conv-1"), 2)
}

func TestManager_QueuesConcurrentRequest(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	started, unblock := make(chan struct{}), make(chan struct{})
	f.provider.onComplete().Return(ports.Completion{Text: "first reply"}, nil).Run(func(mock.Arguments) {
		close(started)
		<-unblock
	}).Once()
	f.provider.onComplete().Return(ports.Completion{Text: "second reply"}, nil).Once()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.mgr.Handle(context.Background(), chat("conv-1", "first message"))
		assert.NoError(t, err)
	}()
	<-started
	go func() {
		defer wg.Done()
		_, err := f.mgr.Handle(context.Background(), chat("conv-1", "second message"))
		assert.NoError(t, err)
	}()

	// Wait until the second request is queued on the lock.
	require.Eventually(t, func() bool {
		f.mgr.locks.mu.Lock()
		defer f.mgr.locks.mu.Unlock()
		lk := f.mgr.locks.locks["conv-1"]
		return lk != nil && lk.refs == 2
	}, time.Second, time.Millisecond)
	close(unblock)
	wg.Wait()

	turns := f.store.turns("conv-1")
	require.Len(t, turns, 4)
	got := make([]string, len(turns))
	for i, turn := range turns {
		got[i] = turn.Text
	}
	assert.Equal(t, []string{"first message", "first reply", "second message", "second reply"}, got)
}

func TestManager_RejectsForeignConversation(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.provider.onComplete().Return(ports.Completion{Text: englishReply}, nil).Once()
	_, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))
	require.NoError(t, err)

	req := chat("conv-1", "hello")
	req.UserID = "user-2"
	resp, err := f.mgr.Handle(context.Background(), req)

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ports.ErrConversationNotOwned)
	_, err = f.mgr.History(context.Background(), "conv-1", "user-2")
	assert.ErrorIs(t, err, ports.ErrConversationNotOwned)
	assert.Len(t, f.store.turns("conv-1"), 2)
}

func TestManager_InvalidRequests(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)

	for _, req := range []InboundRequest{
		{UserID: "", UtteranceText: "hi"},
		{UserID: "user-1", UtteranceText: "   "},
		{UserID: "user-1", UtteranceText: "hi", Channel: "fax"},
	} {
		resp, err := f.mgr.Handle(context.Background(), req)
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	}
	assert.ErrorIs(t, f.mgr.SetLanguagePreference(context.Background(), "conv-1", "user-1", "fr"), ports.ErrInvalidRequest)
	f.provider.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestManager_UserWithoutPatientProfile(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.provider.onComplete().Return(ports.Completion{Text: englishReply + triageBlock}, nil).Once()

	req := chat("conv-2", englishUtterance)
	req.UserID = "user-9"
	req.Channel = ports.ChannelVoiceTranscribed
	resp, err := f.mgr.Handle(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, StateComplete, resp.State)
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, ports.StatusFailed, resp.ToolResults[0].Status)
	assert.Equal(t, "ToolExecutionFailed", resp.ToolResults[0].ErrorKind)
	assert.Equal(t, ports.ChannelVoiceTranscribed, f.store.turns("conv-2")[0].Channel)
}

func TestManager_FactsFailureFailsAfterUserTurn(t *testing.T) {
	f := newManagerFixture(t, BusyQueue)
	f.records.loadErr = errors.New("records offline")

	resp, err := f.mgr.Handle(context.Background(), chat("conv-1", englishUtterance))

	require.Error(t, err)
	assert.Equal(t, StateFailed, resp.State)
	assert.Len(t, f.store.turns("conv-1"), 1)
	f.provider.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestConversationTitle(t *testing.T) {
	assert.Equal(t, "short", conversationTitle("  short "))
	long := "Ina jin ciwon kai tun jiya da dare, kuma ina da zazzabi mai tsanani sosai"
	title := conversationTitle(long)
	assert.Equal(t, []rune(long)[:50], []rune(title)[:50])
	assert.Equal(t, "...", title[len(title)-3:])
}
