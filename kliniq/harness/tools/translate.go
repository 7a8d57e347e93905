package tools

import (
	"context"
	"encoding/json"
	"fmt"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// TranslateSchema defines the JSON schema for translate parameters.
const TranslateSchema = `{
  "type": "object",
  "properties": {
    "text": {"type": "string", "minLength": 1},
    "target_language": {"type": "string", "enum": ["en", "ha", "ig", "yo", "english", "hausa", "igbo", "yoruba"]},
    "source_language": {"type": "string", "enum": ["en", "ha", "ig", "yo", "english", "hausa", "igbo", "yoruba"]}
  },
  "required": ["text", "target_language"],
  "additionalProperties": false
}`

// TranslateArgs are the parameters of translate.
type TranslateArgs struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
	SourceLanguage string `json:"source_language,omitempty"`
}

// TranslateResult holds the translated text.
type TranslateResult struct {
	Text           string         `json:"text"`
	SourceLanguage ports.Language `json:"source_language"`
	TargetLanguage ports.Language `json:"target_language"`
}

// TranslateTool translates text on the model's request. It writes no domain records.
type TranslateTool struct {
	translator ports.Translator
}

// NewTranslateTool creates the tool over a translator.
func NewTranslateTool(translator ports.Translator) *TranslateTool {
	return &TranslateTool{translator: translator}
}

// Spec describes the tool to the model.
func (t *TranslateTool) Spec() ports.ToolSpec {
	return ports.ToolSpec{
		Name:        ports.ToolTranslate,
		Description: "Translate a piece of text between English, Hausa, Igbo and Yoruba.",
		Parameters: `- text (required): the text to translate
- target_language (required): "en", "ha", "ig" or "yo"
- source_language (optional): defaults to English`,
		JSONSchema: []byte(TranslateSchema),
	}
}

// Invoke runs the translator.
func (t *TranslateTool) Invoke(ctx context.Context, req ports.ToolRequest) (any, error) {
	var args TranslateArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	target, ok := ports.ParseLanguage(args.TargetLanguage)
	if !ok {
		return nil, fmt.Errorf("unsupported target language %q", args.TargetLanguage)
	}
	source := ports.LanguageEnglish
	if args.SourceLanguage != "" {
		if source, ok = ports.ParseLanguage(args.SourceLanguage); !ok {
			return nil, fmt.Errorf("unsupported source language %q", args.SourceLanguage)
		}
	}

	out, err := t.translator.Translate(ctx, args.Text, source, target)
	if err != nil {
		return nil, err
	}
	return TranslateResult{Text: out, SourceLanguage: source, TargetLanguage: target}, nil
}

var _ ports.Tool = (*TranslateTool)(nil)
