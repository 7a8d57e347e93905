package harnessports

import (
	"encoding/json"
	"time"
)

// Role of a turn author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Channel the utterance arrived on.
type Channel string

const (
	ChannelText             Channel = "text"
	ChannelVoiceTranscribed Channel = "voice-transcribed"
)

// InvocationStatus is the lifecycle of a tool invocation.
type InvocationStatus string

const (
	StatusPending   InvocationStatus = "pending"
	StatusSucceeded InvocationStatus = "succeeded"
	StatusFailed    InvocationStatus = "failed"
)

// Tool names understood by the executor.
const (
	ToolCreateTriage       = "create_triage"
	ToolRequestAppointment = "request_appointment"
	ToolTranslate          = "translate"
)

// Conversation is the append-only turn log of one user chat.
type Conversation struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	Title              string    `json:"title"`
	LanguagePreference Language  `json:"languagePreference,omitempty"`
	Turns              []Turn    `json:"turns"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// LastTurn returns the newest turn, if any.
func (c *Conversation) LastTurn() (Turn, bool) {
	if len(c.Turns) == 0 {
		return Turn{}, false
	}
	return c.Turns[len(c.Turns)-1], true
}

// Turn is one immutable entry in a conversation.
type Turn struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Seq            int64            `json:"seq"`
	Role           Role             `json:"role"`
	Text           string           `json:"text"`
	Language       Language         `json:"language"`
	Channel        Channel          `json:"channel,omitempty"`
	Invocations    []ToolInvocation `json:"invocations,omitempty"`
	Translation    *TurnTranslation `json:"translation,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// TurnTranslation is the delivered form of a turn when it was translated.
type TurnTranslation struct {
	Text     string   `json:"text"`
	Language Language `json:"language"`
}

// HasSucceeded reports whether the turn carries a succeeded invocation of the named tool.
func (t Turn) HasSucceeded(tool string) bool {
	for _, inv := range t.Invocations {
		if inv.Name == tool && inv.Status == StatusSucceeded {
			return true
		}
	}
	return false
}

// ToolInvocation is a single model-requested action and its outcome.
type ToolInvocation struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Name           string           `json:"name"`
	Args           json.RawMessage  `json:"args"`
	Status         InvocationStatus `json:"status"`
	Result         json.RawMessage  `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	ErrorKind      string           `json:"errorKind,omitempty"`
}

// Resolved reports whether the invocation reached a terminal status.
func (i ToolInvocation) Resolved() bool {
	return i.Status == StatusSucceeded || i.Status == StatusFailed
}
