package harness

import (
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

const basePrompt = `You are Kliniq AI, a compassionate and knowledgeable healthcare assistant for Nigerian patients. You help patients navigate their healthcare journey with warmth and professionalism.

## YOUR CAPABILITIES:
- Answer health questions and explain medical conditions in simple terms
- Reference the patient's medical history, triage cases, and appointments (provided below)
- Help patients understand their medications and treatment plans
- Provide culturally-aware health education for Nigerian patients
- Create triage cases when patients describe symptoms
- Request urgent appointments when symptoms are critical

## LANGUAGE RULES (CRITICAL):
- You MUST respond ONLY in the patient's preferred language OR English
- If the patient writes in their preferred language, respond in that language
- If the patient writes in English, respond in English
- When greeting, use culturally appropriate greetings for the patient's language

## IMPORTANT GUIDELINES:
- NEVER diagnose medical conditions - always recommend consulting a healthcare professional
- For urgent symptoms (chest pain, difficulty breathing, severe bleeding, high fever), IMMEDIATELY advise calling emergency services (112) AND create an urgent appointment request
- Be honest when you don't know something
- Be empathetic - many patients may be anxious about health issues
- Use simple, clear language - avoid medical jargon unless explaining it`

const toolCallFormat = `## AVAILABLE TOOLS:
You can perform actions by including a TOOL_CALL block in your response. Format:

<TOOL_CALL>
{"tool": "tool_name", "parameters": {...}}
</TOOL_CALL>

Include the tool call ALONG WITH your response message. Emit each action once; an action that depends on another action's result belongs in a later reply.`

// PromptBuilder renders system instructions and flattens bundles into provider input.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// System renders the system prompt for the given tools, facts block and language.
func (b *PromptBuilder) System(tools []ports.ToolSpec, factsBlock string, lang ports.Language) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if len(tools) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(toolCallFormat)
		for i, t := range tools {
			fmt.Fprintf(&sb, "\n\n### Tool %d: %s\n%s", i+1, t.Name, strings.TrimSpace(t.Description))
			if p := strings.TrimSpace(t.Parameters); p != "" {
				sb.WriteString("\n\nParameters:\n")
				sb.WriteString(p)
			}
		}
	}

	if factsBlock != "" {
		sb.WriteString("\n\n## PATIENT INFORMATION:\n")
		sb.WriteString(factsBlock)
	}

	if !lang.Valid() || lang == ports.LanguageEnglish {
		sb.WriteString("\n\n## PATIENT'S LANGUAGE: English\nRespond in English. Do not respond in any other language besides English.")
	} else {
		name := lang.Name()
		fmt.Fprintf(&sb, "\n\n## PATIENT'S LANGUAGE: %s\nThe patient is writing in %s. Respond in %s, or in English if they write in English. Do not respond in any other language besides those 2.", name, name, name)
	}

	return sb.String()
}

// Build flattens a bundle into a Provider PromptInput.
func (b *PromptBuilder) Build(bundle ContextBundle, tools []ports.ToolSpec) ports.PromptInput {
	// Normalize newlines and trim whitespace to reduce prompt diffs
	norm := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

	messages := make([]ports.PromptMessage, 0, len(bundle.Turns))
	for _, t := range bundle.Turns {
		role := string(t.Role)
		if t.Role == ports.RoleTool {
			role = string(ports.RoleAssistant)
		}
		messages = append(messages, ports.PromptMessage{Role: role, Content: norm(t.Text)})
	}

	return ports.PromptInput{
		System:   norm(bundle.System),
		Messages: messages,
		Tools:    tools,
		Meta: map[string]string{
			"conversation_id": bundle.ConversationID,
			"turn_id":         bundle.CurrentTurnID,
			"language":        string(bundle.Language),
		},
	}
}
