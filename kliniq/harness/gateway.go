package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// invocationNamespace scopes the name-based UUIDs of tool invocations.
var invocationNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("kliniq.tool_invocation"))

// RetryPolicy bounds model calls.
type RetryPolicy struct {
	MaxAttempts    int           // including the first call
	AttemptTimeout time.Duration // per attempt
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		AttemptTimeout: 120 * time.Second,
		BackoffBase:    250 * time.Millisecond,
		BackoffMax:     4 * time.Second,
	}
}

// ModelResponse is the parsed outcome of one model call.
type ModelResponse struct {
	Text        string
	Invocations []ports.ToolInvocation // pending, or failed when arguments were rejected
	Usage       *ports.Usage
	Model       string
	Attempts    int
}

// ModelGateway calls the provider with retries and turns its output into
// reply text plus tool invocations.
type ModelGateway struct {
	provider  ports.Provider
	builder   *PromptBuilder
	registry  *ToolRegistry
	validator *JSONValidator
	parser    *OutputParser
	limiter   ports.RateLimiter
	tracer    ports.Tracer
	logger    zerolog.Logger
	retry     RetryPolicy
	opts      ports.Options

	// jitter returns a value in [0, n); sleep waits d or until ctx is done.
	jitter func(n int64) int64
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewModelGateway creates a gateway. limiter and tracer must not be nil.
func NewModelGateway(
	provider ports.Provider,
	builder *PromptBuilder,
	registry *ToolRegistry,
	validator *JSONValidator,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	logger zerolog.Logger,
	retry RetryPolicy,
	opts ports.Options,
) *ModelGateway {
	if builder == nil {
		builder = NewPromptBuilder()
	}
	if validator == nil {
		validator = NewJSONValidator()
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &ModelGateway{
		provider:  provider,
		builder:   builder,
		registry:  registry,
		validator: validator,
		parser:    NewOutputParser(),
		limiter:   limiter,
		tracer:    tracer,
		logger:    logger,
		retry:     retry,
		opts:      opts,
		jitter:    rand.Int64N,
		sleep:     sleepCtx,
	}
}

// Generate sends the bundle to the model. Transient failures are retried
// with full-jitter exponential backoff; malformed responses are not.
func (g *ModelGateway) Generate(ctx context.Context, bundle ContextBundle) (ModelResponse, error) {
	ctx, finish := g.tracer.StartSpan(ctx, "model_generate", map[string]any{
		"conversation_id": bundle.ConversationID,
		"turn_id":         bundle.CurrentTurnID,
		"tokens":          bundle.TokenCount,
	})

	resp, err := g.generate(ctx, bundle)
	finish(err)
	return resp, err
}

func (g *ModelGateway) generate(ctx context.Context, bundle ContextBundle) (ModelResponse, error) {
	prompt := g.builder.Build(bundle, g.specs())

	var (
		lastErr  error
		timeouts int
	)
	for attempt := 1; attempt <= g.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := g.sleep(ctx, g.backoff(attempt-1)); err != nil {
				return ModelResponse{}, &GatewayError{Kind: abandonedKind(err), Attempts: attempt - 1, Cause: err}
			}
		}

		completion, err := g.attempt(ctx, prompt)
		if err == nil {
			resp := g.interpret(bundle, completion)
			resp.Attempts = attempt
			return resp, nil
		}

		lastErr = err
		log := g.logger.With().
			Str("conversation_id", bundle.ConversationID).
			Int("attempt", attempt).
			Err(err).
			Logger()

		if ctx.Err() != nil {
			log.Debug().Msg("model call abandoned by caller")
			return ModelResponse{}, &GatewayError{Kind: abandonedKind(ctx.Err()), Attempts: attempt, Cause: ctx.Err()}
		}
		if errors.Is(err, ports.ErrUpstreamMalformedResponse) {
			log.Warn().Msg("model returned a malformed response")
			return ModelResponse{}, &GatewayError{Kind: ports.ErrUpstreamMalformedResponse, Attempts: attempt, Cause: err}
		}
		if !isTransient(err) {
			log.Warn().Msg("model call failed permanently")
			return ModelResponse{}, &GatewayError{Kind: ports.ErrUpstreamUnavailable, Attempts: attempt, Cause: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			timeouts++
		}

		log.Warn().Msg("transient model failure")
		g.tracer.Event(ctx, "model_retry", map[string]any{"attempt": attempt, "error": err.Error()})
	}

	kind := ports.ErrUpstreamUnavailable
	if timeouts == g.retry.MaxAttempts {
		kind = ports.ErrUpstreamTimeout
	}
	return ModelResponse{}, &GatewayError{Kind: kind, Attempts: g.retry.MaxAttempts, Cause: lastErr}
}

// abandonedKind classifies a call ended by the caller's context. An expired
// request deadline is a timeout; a cancelled request is not.
func abandonedKind(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ports.ErrUpstreamTimeout
	}
	return ports.ErrUpstreamUnavailable
}

func (g *ModelGateway) attempt(ctx context.Context, prompt ports.PromptInput) (ports.Completion, error) {
	release, err := g.limiter.Acquire(ctx, "model")
	if err != nil {
		return ports.Completion{}, &rateLimitedError{cause: err}
	}
	defer release()

	// The attempt deadline never outlives the caller's.
	attemptCtx := ctx
	if g.retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.retry.AttemptTimeout)
		defer cancel()
	}

	return g.provider.Complete(attemptCtx, prompt, g.opts)
}

// backoff returns the delay before retry n (1-based).
func (g *ModelGateway) backoff(n int) time.Duration {
	ceiling := g.retry.BackoffBase << (n - 1)
	if ceiling <= 0 || (g.retry.BackoffMax > 0 && ceiling > g.retry.BackoffMax) {
		ceiling = g.retry.BackoffMax
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(g.jitter(int64(ceiling)))
}

// interpret strips tool blocks from the text and turns calls into invocations.
func (g *ModelGateway) interpret(bundle ContextBundle, c ports.Completion) ModelResponse {
	text, parsed := g.parser.Parse(c.Text)
	calls := append(FromProviderCalls(c.ToolCalls), parsed...)

	seen := make(map[string]struct{}, len(calls))
	invocations := make([]ports.ToolInvocation, 0, len(calls))
	for _, call := range calls {
		canonical, err := CanonicalArgs(call.Args)
		if err != nil || call.Err != nil {
			// Keep the raw block as a JSON string so the turn log stays valid JSON.
			raw, _ := json.Marshal(string(call.Args))
			canonical = string(raw)
			if call.Err == nil {
				call.Err = fmt.Errorf("%w: %v", errUnparsableCall, err)
			}
		}
		key := call.Name + "\x00" + canonical
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		inv := ports.ToolInvocation{
			ID:             invocationID(bundle.CurrentTurnID, len(invocations), call.Name, canonical),
			ConversationID: bundle.ConversationID,
			Name:           call.Name,
			Args:           []byte(canonical),
			Status:         ports.StatusPending,
		}

		switch {
		case call.Err != nil:
			inv = failInvocation(inv, fmt.Errorf("%w: %v", ports.ErrSchemaValidationFailed, call.Err))
		default:
			if err := g.validate(call); err != nil {
				inv = failInvocation(inv, err)
			}
		}
		invocations = append(invocations, inv)
	}

	return ModelResponse{Text: text, Invocations: invocations, Usage: c.Usage, Model: c.Model}
}

// validate checks known tools against their schema. Unknown names are left
// for the executor to reject.
func (g *ModelGateway) validate(call ParsedCall) error {
	if g.registry == nil {
		return nil
	}
	tool, ok := g.registry.Get(call.Name)
	if !ok {
		return nil
	}
	if err := g.validator.Validate(call.Args, tool.Spec().JSONSchema); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrSchemaValidationFailed, err)
	}
	return nil
}

func (g *ModelGateway) specs() []ports.ToolSpec {
	if g.registry == nil {
		return nil
	}
	return g.registry.Specs()
}

func invocationID(turnID string, pos int, name, canonicalArgs string) string {
	return uuid.NewSHA1(invocationNamespace, fmt.Appendf(nil, "%s|%d|%s|%s", turnID, pos, name, canonicalArgs)).String()
}

// rateLimitedError marks a limiter rejection, which is worth retrying.
type rateLimitedError struct{ cause error }

func (e *rateLimitedError) Error() string { return "rate limited: " + e.cause.Error() }
func (e *rateLimitedError) Unwrap() error { return e.cause }

func isTransient(err error) bool {
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var se *ports.StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
