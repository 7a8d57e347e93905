package adapters

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// DefaultToolPolicy gates record-writing tools on the patient profile and
// appointment requests on a hospital link.
const DefaultToolPolicy = `
package tool_policy

default decision = "allow"
default reason = ""

writes_records {
	input.tool_name != "translate"
}

no_profile {
	writes_records
	input.patient_id == ""
}

no_hospital {
	input.tool_name == "request_appointment"
	input.patient_id != ""
	not input.hospital_linked
}

decision = "block" {
	no_profile
}

decision = "block" {
	no_hospital
}

reason = "patient profile not found" {
	no_profile
}

reason = "patient is not linked to a hospital" {
	no_hospital
}
`

// OPAPolicyEngine evaluates tool invocations against a Rego module exposing
// data.tool_policy.decision and data.tool_policy.reason.
type OPAPolicyEngine struct {
	query rego.PreparedEvalQuery
}

// NewOPAPolicyEngine prepares module for evaluation.
func NewOPAPolicyEngine(ctx context.Context, module string) (*OPAPolicyEngine, error) {
	r := rego.New(
		rego.Query("data.tool_policy"),
		rego.Module("tool_policy.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &OPAPolicyEngine{query: query}, nil
}

// NewOPAPolicyEngineFromFile loads the module at path, or the default policy when path is empty.
func NewOPAPolicyEngineFromFile(ctx context.Context, path string) (*OPAPolicyEngine, error) {
	if path == "" {
		return NewOPAPolicyEngine(ctx, DefaultToolPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewOPAPolicyEngine(ctx, string(content))
}

// Evaluate returns the decision for one invocation. A policy without a
// matching decision allows.
func (e *OPAPolicyEngine) Evaluate(ctx context.Context, in ports.PolicyInput) (string, string, error) {
	input := map[string]any{
		"tool_name":       in.ToolName,
		"args":            in.Args,
		"user_id":         in.UserID,
		"patient_id":      in.PatientID,
		"hospital_linked": in.Hospital,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return ports.DecisionAllow, "", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("unexpected policy document type %T", results[0].Expressions[0].Value)
	}

	decision, _ := doc["decision"].(string)
	reason, _ := doc["reason"].(string)
	switch decision {
	case "":
		return ports.DecisionAllow, reason, nil
	case ports.DecisionAllow, ports.DecisionBlock:
		return decision, reason, nil
	default:
		return "", "", fmt.Errorf("unknown policy decision %q", decision)
	}
}

// Ensure OPAPolicyEngine implements the PolicyEngine interface.
var _ ports.PolicyEngine = (*OPAPolicyEngine)(nil)
