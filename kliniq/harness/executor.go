package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// ToolResult is the resolved outcome of one invocation.
type ToolResult struct {
	Invocation ports.ToolInvocation
	Err        error // nil when the invocation succeeded
	Replayed   bool  // the outcome came from the ledger
}

// ToolExecutor runs tool invocations at most once per invocation ID.
type ToolExecutor struct {
	registry    *ToolRegistry
	ledger      ports.InvocationLedger
	validator   *JSONValidator
	policy      ports.PolicyEngine
	concurrency int
	timeout     time.Duration
	logger      zerolog.Logger
	tracer      ports.Tracer
}

// NewToolExecutor creates an executor. A nil policy allows every call.
func NewToolExecutor(
	registry *ToolRegistry,
	ledger ports.InvocationLedger,
	validator *JSONValidator,
	policy ports.PolicyEngine,
	concurrency int,
	timeout time.Duration,
	tracer ports.Tracer,
	logger zerolog.Logger,
) *ToolExecutor {
	if validator == nil {
		validator = NewJSONValidator()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &ToolExecutor{
		registry:    registry,
		ledger:      ledger,
		validator:   validator,
		policy:      policy,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
		tracer:      tracer,
	}
}

// ExecuteAll runs invocations concurrently and returns results in input
// order. Execution is detached from caller cancellation.
func (e *ToolExecutor) ExecuteAll(ctx context.Context, invs []ports.ToolInvocation, conv *ports.Conversation, facts *ports.PatientFacts) []ToolResult {
	ctx = context.WithoutCancel(ctx)
	results := make([]ToolResult, len(invs))

	p := pool.New().WithMaxGoroutines(e.concurrency)
	for i, inv := range invs {
		p.Go(func() {
			results[i] = e.Execute(ctx, inv, conv, facts)
		})
	}
	p.Wait()

	return results
}

// Execute resolves a single invocation. Failures are reported in the result,
// never as a panic or a sibling failure.
func (e *ToolExecutor) Execute(ctx context.Context, inv ports.ToolInvocation, conv *ports.Conversation, facts *ports.PatientFacts) ToolResult {
	ctx, finish := e.tracer.StartSpan(ctx, "tool_execute", map[string]any{
		"invocation_id": inv.ID,
		"tool":          inv.Name,
	})
	res := e.execute(ctx, inv, conv, facts)
	finish(res.Err)
	return res
}

func (e *ToolExecutor) execute(ctx context.Context, inv ports.ToolInvocation, conv *ports.Conversation, facts *ports.PatientFacts) ToolResult {
	log := e.logger.With().Str("invocation_id", inv.ID).Str("tool", inv.Name).Logger()

	// Rejected by the gateway before reaching us.
	if inv.Status == ports.StatusFailed {
		e.record(ctx, log, inv)
		return ToolResult{Invocation: inv, Err: &ToolError{Kind: kindOf(inv.ErrorKind), Tool: inv.Name, InvocationID: inv.ID, Cause: errors.New(inv.Error)}}
	}

	tool, ok := e.registry.Get(inv.Name)
	if !ok {
		err := &ToolError{Kind: ports.ErrUnknownTool, Tool: inv.Name, InvocationID: inv.ID}
		inv = failInvocation(inv, err)
		e.record(ctx, log, inv)
		return ToolResult{Invocation: inv, Err: err}
	}

	stored, err := e.ledger.BeginInvocation(ctx, inv)
	if err != nil {
		terr := &ToolError{Kind: ports.ErrToolExecutionFailed, Tool: inv.Name, InvocationID: inv.ID, Cause: err}
		return ToolResult{Invocation: failInvocation(inv, terr), Err: terr}
	}
	if stored.Resolved() {
		log.Debug().Str("status", string(stored.Status)).Msg("replaying recorded invocation")
		e.tracer.Event(ctx, "tool_replayed", map[string]any{"invocation_id": inv.ID})
		res := ToolResult{Invocation: stored, Replayed: true}
		if stored.Status == ports.StatusFailed {
			res.Err = &ToolError{Kind: kindOf(stored.ErrorKind), Tool: stored.Name, InvocationID: stored.ID, Cause: errors.New(stored.Error)}
		}
		return res
	}

	if err := e.validator.Validate(inv.Args, tool.Spec().JSONSchema); err != nil {
		return e.fail(ctx, log, inv, &ToolError{Kind: ports.ErrSchemaValidationFailed, Tool: inv.Name, InvocationID: inv.ID, Cause: err})
	}

	if err := e.authorize(ctx, inv, conv, facts); err != nil {
		return e.fail(ctx, log, inv, err)
	}

	toolCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	out, err := tool.Invoke(toolCtx, ports.ToolRequest{
		InvocationID: inv.ID,
		Args:         inv.Args,
		Conversation: conv,
		Facts:        facts,
	})
	if err != nil {
		return e.fail(ctx, log, inv, &ToolError{Kind: ports.ErrToolExecutionFailed, Tool: inv.Name, InvocationID: inv.ID, Cause: err})
	}

	result, err := json.Marshal(out)
	if err != nil {
		return e.fail(ctx, log, inv, &ToolError{Kind: ports.ErrToolExecutionFailed, Tool: inv.Name, InvocationID: inv.ID, Cause: fmt.Errorf("failed to encode result: %w", err)})
	}

	inv.Status = ports.StatusSucceeded
	inv.Result = result
	inv.Error, inv.ErrorKind = "", ""
	if err := e.ledger.ResolveInvocation(ctx, inv); err != nil {
		log.Error().Err(err).Msg("failed to record tool outcome")
	}
	log.Info().Msg("tool succeeded")
	return ToolResult{Invocation: inv}
}

func (e *ToolExecutor) authorize(ctx context.Context, inv ports.ToolInvocation, conv *ports.Conversation, facts *ports.PatientFacts) error {
	if e.policy == nil {
		return nil
	}

	in := ports.PolicyInput{ToolName: inv.Name}
	if err := json.Unmarshal(inv.Args, &in.Args); err != nil {
		in.Args = map[string]any{}
	}
	if conv != nil {
		in.UserID = conv.UserID
	}
	if facts != nil {
		in.PatientID = facts.PatientID
		in.Hospital = facts.HospitalID != ""
	}

	decision, reason, err := e.policy.Evaluate(ctx, in)
	if err != nil {
		return &ToolError{Kind: ports.ErrToolExecutionFailed, Tool: inv.Name, InvocationID: inv.ID, Cause: fmt.Errorf("policy evaluation: %w", err)}
	}
	if decision == ports.DecisionBlock {
		return &ToolError{Kind: ports.ErrToolPolicyDenied, Tool: inv.Name, InvocationID: inv.ID, Cause: errors.New(reason)}
	}
	return nil
}

func (e *ToolExecutor) fail(ctx context.Context, log zerolog.Logger, inv ports.ToolInvocation, err error) ToolResult {
	inv = failInvocation(inv, err)
	if rerr := e.ledger.ResolveInvocation(ctx, inv); rerr != nil {
		log.Error().Err(rerr).Msg("failed to record tool outcome")
	}
	log.Warn().Err(err).Str("error_kind", inv.ErrorKind).Msg("tool failed")
	return ToolResult{Invocation: inv, Err: err}
}

// record stores an invocation that failed before execution.
func (e *ToolExecutor) record(ctx context.Context, log zerolog.Logger, inv ports.ToolInvocation) {
	if _, err := e.ledger.BeginInvocation(ctx, inv); err != nil {
		log.Error().Err(err).Msg("failed to record rejected invocation")
	} else if err := e.ledger.ResolveInvocation(ctx, inv); err != nil {
		log.Error().Err(err).Msg("failed to record rejected invocation")
	}
	log.Warn().Str("error_kind", inv.ErrorKind).Msg("tool rejected")
}

// kindOf maps a stored kind name back to its sentinel.
func kindOf(name string) error {
	for _, k := range []error{
		ports.ErrUnknownTool,
		ports.ErrSchemaValidationFailed,
		ports.ErrToolPolicyDenied,
		ports.ErrToolExecutionFailed,
	} {
		if ports.KindName(k) == name {
			return k
		}
	}
	return ports.ErrToolExecutionFailed
}
