package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness"
	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

type fakeConversations struct {
	handle   func(in harness.InboundRequest) (*harness.OutboundResponse, error)
	lastLang ports.Language
	lastUser string
}

func (f *fakeConversations) Handle(ctx context.Context, in harness.InboundRequest) (*harness.OutboundResponse, error) {
	return f.handle(in)
}

func (f *fakeConversations) SetLanguagePreference(ctx context.Context, conversationID, userID string, lang ports.Language) error {
	f.lastLang, f.lastUser = lang, userID
	if conversationID == "missing" {
		return fmt.Errorf("conversation missing: %w", ports.ErrNotFound)
	}
	return nil
}

func (f *fakeConversations) History(ctx context.Context, conversationID, userID string) (ports.Conversation, error) {
	if userID != "user-1" {
		return ports.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, ports.ErrConversationNotOwned)
	}
	return ports.Conversation{ID: conversationID, UserID: userID, Turns: []ports.Turn{{ID: "t1", Role: ports.RoleUser, Text: "hello"}}}, nil
}

func do(t *testing.T, f *fakeConversations, method, path, body, user string) *httptest.ResponseRecorder {
	t.Helper()
	e := New(NewHandler(f, 0, zerolog.Nop()))
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestChat_OK(t *testing.T) {
	var got harness.InboundRequest
	f := &fakeConversations{handle: func(in harness.InboundRequest) (*harness.OutboundResponse, error) {
		got = in
		return &harness.OutboundResponse{ConversationID: "c1", AssistantText: "Sannu", State: harness.StateComplete, ConversationLanguage: ports.LanguageHausa}, nil
	}}

	rec := do(t, f, http.MethodPost, "/v1/chat", `{"conversationId":"c1","userId":"spoofed","utteranceText":"sannu","channel":"voice-transcribed"}`, "user-1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", got.UserID, "header identity wins over the body")
	assert.Equal(t, ports.ChannelVoiceTranscribed, got.Channel)

	var resp harness.OutboundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Sannu", resp.AssistantText)
	assert.Equal(t, ports.LanguageHausa, resp.ConversationLanguage)
}

func TestChat_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		resp   *harness.OutboundResponse
		err    error
		status int
		kind   string
	}{
		{"busy", nil, fmt.Errorf("conversation c1: %w", ports.ErrConversationBusy), http.StatusConflict, "ConversationBusy"},
		{"invalid", nil, fmt.Errorf("%w: userId is required", ports.ErrInvalidRequest), http.StatusBadRequest, "InvalidRequest"},
		{"not owned", nil, ports.ErrConversationNotOwned, http.StatusForbidden, "ConversationNotOwned"},
		{"unexpected", nil, fmt.Errorf("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeConversations{handle: func(harness.InboundRequest) (*harness.OutboundResponse, error) { return tc.resp, tc.err }}
			rec := do(t, f, http.MethodPost, "/v1/chat", `{"userId":"u","utteranceText":"hi"}`, "")

			assert.Equal(t, tc.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.kind, body["kind"])
		})
	}
}

func TestChat_FailedPipelineReturnsFallback(t *testing.T) {
	f := &fakeConversations{handle: func(harness.InboundRequest) (*harness.OutboundResponse, error) {
		return &harness.OutboundResponse{ConversationID: "c1", AssistantText: harness.FallbackReply, State: harness.StateFailed, Partial: true},
			fmt.Errorf("model: %w", ports.ErrUpstreamUnavailable)
	}}

	rec := do(t, f, http.MethodPost, "/v1/chat", `{"userId":"u","utteranceText":"hi"}`, "")

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var resp harness.OutboundResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, harness.FallbackReply, resp.AssistantText)
	assert.True(t, resp.Partial)
	assert.NotContains(t, rec.Body.String(), "upstream unavailable")
}

func TestChat_BadBody(t *testing.T) {
	f := &fakeConversations{}
	rec := do(t, f, http.MethodPost, "/v1/chat", `{"userId":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetConversation(t *testing.T) {
	f := &fakeConversations{}

	rec := do(t, f, http.MethodGet, "/v1/conversations/c1", "", "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var conv ports.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, "c1", conv.ID)
	assert.Len(t, conv.Turns, 1)

	rec = do(t, f, http.MethodGet, "/v1/conversations/c1", "", "user-2")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSetLanguage(t *testing.T) {
	f := &fakeConversations{}

	rec := do(t, f, http.MethodPut, "/v1/conversations/c1/language", `{"language":"Igbo"}`, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ports.LanguageIgbo, f.lastLang)
	assert.Equal(t, "user-1", f.lastUser)

	rec = do(t, f, http.MethodPut, "/v1/conversations/c1/language", `{"language":"klingon"}`, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f, http.MethodPut, "/v1/conversations/missing/language", `{"language":"yo"}`, "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := do(t, &fakeConversations{}, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
