package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider generates replies with the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini API client.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Complete sends one GenerateContent request.
func (p *GeminiProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	contents := geminiContents(in.Messages)

	temperature, topP := opts.Temperature, opts.TopP
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		TopP:            &topP,
		MaxOutputTokens: int32(opts.MaxNewTokens),
		StopSequences:   opts.Stop,
	}
	if in.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(in.System, genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code != 0 {
			return ports.Completion{}, &ports.StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
		}
		return ports.Completion{}, fmt.Errorf("generate content failed: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ports.Completion{}, fmt.Errorf("%w: no candidates", ports.ErrUpstreamMalformedResponse)
	}

	out := ports.Completion{Model: resp.ModelVersion}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return ports.Completion{}, fmt.Errorf("%w: function call args: %v", ports.ErrUpstreamMalformedResponse, err)
			}
			out.ToolCalls = append(out.ToolCalls, ports.ToolCall{Name: part.FunctionCall.Name, Args: args})
		}
	}
	out.Text = text.String()

	if u := resp.UsageMetadata; u != nil {
		out.Usage = &ports.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// geminiContents maps chat history onto Gemini roles. Gemini has no assistant
// role, so assistant turns are sent as model turns and everything else as user.
func geminiContents(msgs []ports.PromptMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var role genai.Role = genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

// Ensure GeminiProvider implements the Provider interface.
var _ ports.Provider = (*GeminiProvider)(nil)
