package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

func TestHTTPProvider_Complete(t *testing.T) {
	var got httpGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":"Sannu!","model":"n-atlas","usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "secret", srv.Client())
	out, err := p.Complete(context.Background(), ports.PromptInput{
		System:   "You are Kliniq AI",
		Messages: []ports.PromptMessage{{Role: "user", Content: "Sannu"}},
	}, ports.Options{MaxNewTokens: 256, Temperature: 0.7, TopP: 0.9})

	require.NoError(t, err)
	assert.Equal(t, "Sannu!", out.Text)
	assert.Equal(t, "n-atlas", out.Model)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 15, out.Usage.TotalTokens)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, 256, got.MaxTokens)
}

func TestHTTPProvider_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPProvider(srv.URL, "", nil).Complete(context.Background(), ports.PromptInput{}, ports.Options{})

	var statusErr *ports.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.True(t, statusErr.Transient())
}

func TestHTTPProvider_MalformedResponse(t *testing.T) {
	cases := map[string]string{
		"not json":         `<html>oops</html>`,
		"missing response": `{"model":"n-atlas"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := NewHTTPProvider(srv.URL, "", nil).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
			assert.ErrorIs(t, err, ports.ErrUpstreamMalformedResponse)
		})
	}
}

func TestHTTPProvider_MissingEndpoint(t *testing.T) {
	_, err := NewHTTPProvider("", "", nil).Complete(context.Background(), ports.PromptInput{}, ports.Options{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ports.ErrUpstreamMalformedResponse)
}
