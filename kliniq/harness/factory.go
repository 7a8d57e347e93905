package harness

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/config"
	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/db"
	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/adapters"
	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/language"
	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/tools"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *db.Handle // Optional, stores fall back to no-ops without it
	logger zerolog.Logger

	// Provider overrides the configured model provider when set.
	Provider ports.Provider
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, h *db.Handle, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: h, logger: logger}
}

// CreateManager creates a fully wired ConversationManager from config.
func (f *Factory) CreateManager(ctx context.Context) (*ConversationManager, error) {
	provider, err := f.createProvider(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := f.createPolicy(ctx)
	if err != nil {
		return nil, err
	}

	cache := f.createCache()
	limiter := f.createRateLimiter()
	tracer := f.createTracer()
	store, ledger, records := f.createStores()

	translator := NewModelTranslator(provider, cache, limiter, TranslatorOptions{
		Temperature:  f.cfg.Translation.Temperature,
		MaxNewTokens: f.cfg.Translation.MaxNewTokens,
		Timeout:      f.cfg.Translation.Timeout,
		CacheTTL:     f.cfg.Translation.CacheTTLSeconds,
	}, f.logger.With().Str("component", "translator").Logger())

	registry, err := NewToolRegistry(
		tools.NewCreateTriageTool(records),
		tools.NewRequestAppointmentTool(records),
		tools.NewTranslateTool(translator),
	)
	if err != nil {
		return nil, err
	}

	validator := NewJSONValidator()
	builder := NewPromptBuilder()
	assembler := NewContextAssembler(f.createBudget(), builder, registry.Specs(), nil)

	gateway := NewModelGateway(provider, builder, registry, validator, limiter, tracer,
		f.logger.With().Str("component", "gateway").Logger(),
		f.createRetryPolicy(),
		ports.Options{
			MaxNewTokens: f.cfg.Model.MaxNewTokens,
			Temperature:  f.cfg.Model.Temperature,
			TopP:         f.cfg.Model.TopP,
		})

	executor := NewToolExecutor(registry, ledger, validator, policy,
		f.clamp("harness.tool_concurrency", f.cfg.Harness.ToolConcurrency, 1, 32),
		f.cfg.Harness.ToolTimeout, tracer,
		f.logger.With().Str("component", "executor").Logger())

	var replyTranslator ports.Translator
	if f.cfg.Translation.Enabled {
		replyTranslator = translator
	}

	detector := language.NewDetector(f.cfg.Language.ConfidenceThreshold, ports.Language(f.cfg.Language.Default))

	return NewConversationManager(store, records, detector, assembler, gateway, executor, replyTranslator,
		BusyPolicy(f.cfg.Harness.BusyPolicy), tracer, f.logger.With().Str("component", "manager").Logger()), nil
}

func (f *Factory) createProvider(ctx context.Context) (ports.Provider, error) {
	if f.Provider != nil {
		return f.Provider, nil
	}

	m := f.cfg.Model
	switch m.Provider {
	case "http":
		if m.EndpointURL == "" {
			return nil, fmt.Errorf("model.endpoint_url is required for the http provider")
		}
		// Attempt deadlines come from the gateway; the client only bounds idle connections.
		client := &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}}
		return adapters.NewHTTPProvider(m.EndpointURL, m.APIKey, client), nil
	case "openai":
		return adapters.NewOpenAIProvider(m.APIKey, m.EndpointURL, m.Name), nil
	case "gemini":
		p, err := adapters.NewGeminiProvider(ctx, m.APIKey, m.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini provider: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported model.provider %q", m.Provider)
	}
}

func (f *Factory) createPolicy(ctx context.Context) (ports.PolicyEngine, error) {
	if !f.cfg.Policy.Enabled {
		return &noOpPolicy{}, nil
	}
	engine, err := adapters.NewOPAPolicyEngineFromFile(ctx, f.cfg.Policy.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool policy: %w", err)
	}
	return engine, nil
}

// createCache creates a cache adapter from config.
func (f *Factory) createCache() ports.Cache {
	if !f.cfg.Harness.CacheEnabled {
		return &noOpCache{}
	}
	return adapters.NewLRUCache(f.clamp("harness.cache_capacity", f.cfg.Harness.CacheCapacity, 1, 1_000_000))
}

// createRateLimiter creates a rate limiter adapter from config.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}

	refill := f.cfg.Harness.RateLimitRefillRate
	if refill <= 0 {
		refill = time.Second
		f.logger.Warn().Dur("rate_limit_refill_rate", f.cfg.Harness.RateLimitRefillRate).Msg("RateLimitRefillRate clamped to 1s")
	}
	capacity := f.clamp("harness.rate_limit_capacity", f.cfg.Harness.RateLimitCapacity, 1, 10_000)
	return adapters.NewTokenBucket(capacity, refill, f.cfg.Harness.RateLimitWait)
}

// createTracer creates a tracer adapter from config.
func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createStores() (ports.ConversationStore, ports.InvocationLedger, ports.RecordStore) {
	if f.db == nil {
		f.logger.Warn().Msg("no database configured, conversations will not be persisted")
		return &noOpStore{}, &noOpLedger{}, &noOpRecords{}
	}
	return adapters.NewSQLConversationStore(f.db), adapters.NewSQLInvocationLedger(f.db), adapters.NewSQLRecordStore(f.db)
}

func (f *Factory) createBudget() Budget {
	c := f.cfg.Context
	return Budget{
		MaxTurns:         f.clamp("context.max_turns", c.MaxTurns, 1, 200),
		MaxContextTokens: f.clamp("context.max_context_tokens", c.MaxContextTokens, 64, 1_000_000),
		MaxFactsChars:    f.clamp("context.max_facts_chars", c.MaxFactsChars, 0, 100_000),
		PinTriage:        c.PinTriage,
	}
}

func (f *Factory) createRetryPolicy() RetryPolicy {
	m := f.cfg.Model
	p := RetryPolicy{
		MaxAttempts:    f.clamp("model.max_attempts", m.MaxAttempts, 1, 10),
		AttemptTimeout: m.Timeout,
		BackoffBase:    m.BackoffBase,
		BackoffMax:     m.BackoffMax,
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
		f.logger.Warn().Dur("backoff_max", m.BackoffMax).Dur("backoff_base", m.BackoffBase).Msg("BackoffMax raised to BackoffBase")
	}
	return p
}

// clamp bounds v to [lo, hi], warning when it had to.
func (f *Factory) clamp(key string, v, lo, hi int) int {
	switch {
	case v < lo:
		f.logger.Warn().Int(key, v).Msgf("%s clamped to minimum of %d", key, lo)
		return lo
	case v > hi:
		f.logger.Warn().Int(key, v).Msgf("%s clamped to maximum of %d", key, hi)
		return hi
	}
	return v
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpPolicy allows every tool call.
type noOpPolicy struct{}

func (p *noOpPolicy) Evaluate(ctx context.Context, in ports.PolicyInput) (string, string, error) {
	return ports.DecisionAllow, "", nil
}

// noOpStore keeps nothing; every lookup misses.
type noOpStore struct{}

func (s *noOpStore) CreateConversation(ctx context.Context, conv ports.Conversation) error {
	return nil
}

func (s *noOpStore) GetConversation(ctx context.Context, conversationID string) (ports.Conversation, error) {
	return ports.Conversation{}, ports.ErrNotFound
}

func (s *noOpStore) AppendTurn(ctx context.Context, turn ports.Turn) (ports.Turn, error) {
	turn.CreatedAt = time.Now()
	return turn, nil
}

func (s *noOpStore) UpdateLanguagePreference(ctx context.Context, conversationID string, lang ports.Language) error {
	return ports.ErrNotFound
}

// noOpLedger never replays.
type noOpLedger struct{}

func (l *noOpLedger) BeginInvocation(ctx context.Context, inv ports.ToolInvocation) (ports.ToolInvocation, error) {
	inv.Status = ports.StatusPending
	return inv, nil
}

func (l *noOpLedger) ResolveInvocation(ctx context.Context, inv ports.ToolInvocation) error {
	return nil
}

func (l *noOpLedger) GetInvocation(ctx context.Context, invocationID string) (ports.ToolInvocation, error) {
	return ports.ToolInvocation{}, ports.ErrNotFound
}

// noOpRecords has no patients, so record-writing tools fail cleanly.
type noOpRecords struct{}

func (r *noOpRecords) LoadFacts(ctx context.Context, userID string) (ports.PatientFacts, error) {
	return ports.PatientFacts{}, ports.ErrNotFound
}

func (r *noOpRecords) UpsertTriage(ctx context.Context, w ports.TriageWrite) (ports.Triage, bool, error) {
	return ports.Triage{}, false, fmt.Errorf("record store unavailable")
}

func (r *noOpRecords) CreateAppointmentRequest(ctx context.Context, w ports.AppointmentWrite) (ports.AppointmentRequest, error) {
	return ports.AppointmentRequest{}, fmt.Errorf("record store unavailable")
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.PolicyEngine      = (*noOpPolicy)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
	_ ports.InvocationLedger  = (*noOpLedger)(nil)
	_ ports.RecordStore       = (*noOpRecords)(nil)
)
