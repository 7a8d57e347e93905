package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// CreateTriageSchema defines the JSON schema for create_triage parameters.
const CreateTriageSchema = `{
  "type": "object",
  "properties": {
    "symptoms": {
      "type": "string",
      "minLength": 1,
      "description": "Description of the patient's symptoms"
    },
    "urgency_level": {
      "type": "string",
      "enum": ["low", "medium", "high"],
      "description": "How urgent the symptoms are"
    },
    "notes": {
      "type": "string",
      "description": "Additional observations for the clinician"
    }
  },
  "required": ["symptoms", "urgency_level"],
  "additionalProperties": false
}`

// ErrNoPatient is returned when a tool needs a patient profile the user does not have.
var ErrNoPatient = errors.New("patient profile not found")

// CreateTriageArgs are the parameters of create_triage.
type CreateTriageArgs struct {
	Symptoms     string `json:"symptoms"`
	UrgencyLevel string `json:"urgency_level"`
	Notes        string `json:"notes,omitempty"`
}

// TriageResult is returned to the model and the user.
type TriageResult struct {
	Triage  ports.Triage `json:"triage"`
	Created bool         `json:"created"`
	Message string       `json:"message"`
}

// CreateTriageTool creates or updates the patient's active triage case.
type CreateTriageTool struct {
	records ports.RecordStore
}

// NewCreateTriageTool creates the tool over a record store.
func NewCreateTriageTool(records ports.RecordStore) *CreateTriageTool {
	return &CreateTriageTool{records: records}
}

// Spec describes the tool to the model.
func (t *CreateTriageTool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        ports.ToolCreateTriage,
		Description: "Create or update a triage case when the patient describes symptoms. If the patient already has an active triage case it is updated instead.",
		Parameters: `- symptoms (required): description of the symptoms
- urgency_level (required): "low", "medium" or "high"
- notes (optional): additional observations`,
		JSONSchema: []byte(CreateTriageSchema),
	}
}

// Invoke records the triage in one transaction keyed by the invocation ID.
func (t *CreateTriageTool) Invoke(ctx context.Context, req ports.ToolRequest) (any, error) {
	var args CreateTriageArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if req.Facts == nil || req.Facts.PatientID == "" {
		return nil, ErrNoPatient
	}

	triage, created, err := t.records.UpsertTriage(ctx, ports.TriageWrite{
		InvocationID: req.InvocationID,
		PatientID:    req.Facts.PatientID,
		Symptoms:     strings.TrimSpace(args.Symptoms),
		UrgencyLevel: args.UrgencyLevel,
		Notes:        strings.TrimSpace(args.Notes),
		Language:     turnLanguage(req.Conversation),
	})
	if err != nil {
		return nil, err
	}

	msg := "Triage case updated"
	if created {
		msg = "Triage case created"
	}
	return TriageResult{Triage: triage, Created: created, Message: msg}, nil
}

// turnLanguage is the language of the newest turn, defaulting to English.
func turnLanguage(conv *ports.Conversation) ports.Language {
	if conv == nil {
		return ports.LanguageEnglish
	}
	if last, ok := conv.LastTurn(); ok && last.Language.Valid() {
		return last.Language
	}
	return ports.LanguageEnglish
}

var _ ports.Tool = (*CreateTriageTool)(nil)
