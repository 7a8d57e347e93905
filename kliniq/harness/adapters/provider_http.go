package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

const maxErrorBody = 4 << 10

// HTTPProvider calls a hosted generation endpoint that accepts
// {messages, max_tokens, temperature, top_p} and answers {response, usage, model}.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type httpGenerateRequest struct {
	Messages    []ports.PromptMessage `json:"messages"`
	MaxTokens   int                   `json:"max_tokens"`
	Temperature float32               `json:"temperature"`
	TopP        float32               `json:"top_p"`
	Stop        []string              `json:"stop,omitempty"`
}

type httpGenerateResponse struct {
	Response *string      `json:"response"`
	Usage    *ports.Usage `json:"usage"`
	Model    string       `json:"model"`
}

// NewHTTPProvider creates a provider for endpoint. A nil client uses
// http.DefaultClient; deadlines come from the request context.
func NewHTTPProvider(endpoint, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{endpoint: endpoint, apiKey: apiKey, client: client}
}

// Complete sends one generation request.
func (p *HTTPProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	if p.endpoint == "" {
		return ports.Completion{}, errors.New("model endpoint URL is not configured")
	}

	messages := make([]ports.PromptMessage, 0, len(in.Messages)+1)
	if in.System != "" {
		messages = append(messages, ports.PromptMessage{Role: "system", Content: in.System})
	}
	messages = append(messages, in.Messages...)

	body, err := json.Marshal(httpGenerateRequest{
		Messages:    messages,
		MaxTokens:   opts.MaxNewTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
	})
	if err != nil {
		return ports.Completion{}, fmt.Errorf("failed to encode generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("failed to build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ports.Completion{}, &ports.StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var out httpGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// A body cut off mid-stream is a transport failure, not a bad payload.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ports.Completion{}, fmt.Errorf("generation response truncated: %w", err)
		}
		return ports.Completion{}, fmt.Errorf("%w: %v", ports.ErrUpstreamMalformedResponse, err)
	}
	if out.Response == nil {
		return ports.Completion{}, fmt.Errorf("%w: missing response field", ports.ErrUpstreamMalformedResponse)
	}

	return ports.Completion{Text: *out.Response, Model: out.Model, Usage: out.Usage}, nil
}

// Ensure HTTPProvider implements the Provider interface.
var _ ports.Provider = (*HTTPProvider)(nil)
