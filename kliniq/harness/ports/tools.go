package harnessports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string // unique logical name
	Description string // concise doc for model selection
	Parameters  string // human readable parameter list for the prompt
	JSONSchema  []byte // JSON schema for args
}

// ToolRequest is what a tool receives for one invocation.
type ToolRequest struct {
	InvocationID string
	Args         json.RawMessage
	Conversation *Conversation
	Facts        *PatientFacts
}

// Tool defines the runtime that executes a tool call.
type Tool interface {
	Spec() ToolSpec
	Invoke(ctx context.Context, req ToolRequest) (any, error)
}

// Translator converts text between supported languages.
type Translator interface {
	Translate(ctx context.Context, text string, source, target Language) (string, error)
}

// PolicyInput is the document a tool policy is evaluated against.
type PolicyInput struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	UserID    string         `json:"user_id"`
	PatientID string         `json:"patient_id"`
	Hospital  bool           `json:"hospital_linked"`
}

// PolicyDecision values.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// PolicyEngine decides whether a validated tool invocation may run.
type PolicyEngine interface {
	Evaluate(ctx context.Context, in PolicyInput) (decision, reason string, err error)
}
