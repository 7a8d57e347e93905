package harness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

var (
	toolCallBlock = regexp.MustCompile(`(?s)<TOOL_CALL>\s*(.*?)\s*</TOOL_CALL>`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
)

// errUnparsableCall marks a TOOL_CALL block whose body is not a tool call object.
var errUnparsableCall = errors.New("unparsable tool call")

// ParsedCall is one candidate call extracted from model text.
type ParsedCall struct {
	Name string
	Args json.RawMessage
	Err  error // set when the block could not be decoded
}

type toolCallEnvelope struct {
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
}

// OutputParser extracts TOOL_CALL blocks from model responses.
type OutputParser struct{}

// NewOutputParser creates a parser.
func NewOutputParser() *OutputParser {
	return &OutputParser{}
}

// Parse returns the reply text with every block removed, and one ParsedCall per block in order.
func (p *OutputParser) Parse(text string) (string, []ParsedCall) {
	matches := toolCallBlock.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text), nil
	}

	calls := make([]ParsedCall, 0, len(matches))
	for _, m := range matches {
		calls = append(calls, p.decode(m[1]))
	}

	clean := toolCallBlock.ReplaceAllString(text, "")
	clean = blankLines.ReplaceAllString(strings.TrimSpace(clean), "\n\n")
	return clean, calls
}

func (p *OutputParser) decode(body string) ParsedCall {
	var env toolCallEnvelope
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return ParsedCall{Args: json.RawMessage(body), Err: fmt.Errorf("%w: %v", errUnparsableCall, err)}
	}
	if dec.More() {
		return ParsedCall{Args: json.RawMessage(body), Err: fmt.Errorf("%w: trailing data after object", errUnparsableCall)}
	}
	if strings.TrimSpace(env.Tool) == "" {
		return ParsedCall{Args: json.RawMessage(body), Err: fmt.Errorf("%w: missing tool name", errUnparsableCall)}
	}

	args := env.Parameters
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage("{}")
	}
	return ParsedCall{Name: strings.TrimSpace(env.Tool), Args: args}
}

// FromProviderCalls converts provider-native calls into parsed calls.
func FromProviderCalls(calls []ports.ToolCall) []ParsedCall {
	out := make([]ParsedCall, 0, len(calls))
	for _, c := range calls {
		pc := ParsedCall{Name: c.Name, Args: c.Args}
		if len(pc.Args) == 0 {
			pc.Args = json.RawMessage("{}")
		}
		if !json.Valid(pc.Args) {
			pc.Err = fmt.Errorf("%w: arguments are not valid JSON", errUnparsableCall)
		}
		out = append(out, pc)
	}
	return out
}

// CanonicalArgs re-encodes a JSON document with sorted keys and no
// insignificant whitespace, so equal arguments compare equal.
func CanonicalArgs(raw json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
