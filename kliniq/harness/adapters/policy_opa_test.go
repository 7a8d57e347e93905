package adapters

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

func TestOPAPolicyEngine_DefaultPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewOPAPolicyEngine(ctx, DefaultToolPolicy)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    ports.PolicyInput
		decision string
		reason   string
	}{
		{
			name:     "triage with profile",
			input:    ports.PolicyInput{ToolName: ports.ToolCreateTriage, PatientID: "p-1"},
			decision: ports.DecisionAllow,
		},
		{
			name:     "triage without profile",
			input:    ports.PolicyInput{ToolName: ports.ToolCreateTriage},
			decision: ports.DecisionBlock,
			reason:   "patient profile not found",
		},
		{
			name:     "appointment without hospital",
			input:    ports.PolicyInput{ToolName: ports.ToolRequestAppointment, PatientID: "p-1"},
			decision: ports.DecisionBlock,
			reason:   "patient is not linked to a hospital",
		},
		{
			name:     "appointment with hospital",
			input:    ports.PolicyInput{ToolName: ports.ToolRequestAppointment, PatientID: "p-1", Hospital: true},
			decision: ports.DecisionAllow,
		},
		{
			name:     "translate needs no profile",
			input:    ports.PolicyInput{ToolName: ports.ToolTranslate},
			decision: ports.DecisionAllow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, reason, err := engine.Evaluate(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.decision, decision)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestOPAPolicyEngine_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(path, []byte(`
package tool_policy

default decision = "allow"

decision = "block" {
	input.args.urgency == "urgent"
}
`), 0o644))

	engine, err := NewOPAPolicyEngineFromFile(context.Background(), path)
	require.NoError(t, err)

	decision, _, err := engine.Evaluate(context.Background(), ports.PolicyInput{
		ToolName: ports.ToolRequestAppointment,
		Args:     map[string]any{"urgency": "urgent"},
	})
	require.NoError(t, err)
	assert.Equal(t, ports.DecisionBlock, decision)
}

func TestOPAPolicyEngine_InvalidModule(t *testing.T) {
	_, err := NewOPAPolicyEngine(context.Background(), "package tool_policy\n decision = {")
	assert.Error(t, err)
}
