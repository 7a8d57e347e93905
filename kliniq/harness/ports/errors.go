package harnessports

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the orchestration core.
var (
	ErrUpstreamUnavailable       = errors.New("upstream unavailable")
	ErrUpstreamTimeout           = errors.New("upstream timeout")
	ErrUpstreamMalformedResponse = errors.New("upstream malformed response")
	ErrUnknownTool               = errors.New("unknown tool")
	ErrSchemaValidationFailed    = errors.New("schema validation failed")
	ErrToolExecutionFailed       = errors.New("tool execution failed")
	ErrToolPolicyDenied          = errors.New("tool denied by policy")
	ErrTranslationUnavailable    = errors.New("translation unavailable")
	ErrConversationBusy          = errors.New("conversation busy")
	ErrConversationNotOwned      = errors.New("conversation belongs to another user")
	ErrInvalidRequest            = errors.New("invalid request")
)

// KindName returns the short name of the first taxonomy kind err matches.
func KindName(err error) string {
	kinds := []struct {
		err  error
		name string
	}{
		{ErrUpstreamUnavailable, "UpstreamUnavailable"},
		{ErrUpstreamTimeout, "UpstreamTimeout"},
		{ErrUpstreamMalformedResponse, "UpstreamMalformedResponse"},
		{ErrUnknownTool, "UnknownTool"},
		{ErrSchemaValidationFailed, "SchemaValidationFailed"},
		{ErrToolPolicyDenied, "ToolPolicyDenied"},
		{ErrToolExecutionFailed, "ToolExecutionFailed"},
		{ErrTranslationUnavailable, "TranslationUnavailable"},
		{ErrConversationBusy, "ConversationBusy"},
		{ErrConversationNotOwned, "ConversationNotOwned"},
		{ErrInvalidRequest, "InvalidRequest"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// StatusError is returned by HTTP-backed providers for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
