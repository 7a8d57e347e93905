package harness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// TranslatorOptions tunes the model-backed translator.
type TranslatorOptions struct {
	Temperature  float32
	MaxNewTokens int
	Timeout      time.Duration
	CacheTTL     int // seconds
}

// ModelTranslator translates with the hosted model and caches results per
// language pair and text.
type ModelTranslator struct {
	provider ports.Provider
	cache    ports.Cache
	limiter  ports.RateLimiter
	opts     TranslatorOptions
	logger   zerolog.Logger
}

// NewModelTranslator creates a translator. cache and limiter must not be nil.
func NewModelTranslator(provider ports.Provider, cache ports.Cache, limiter ports.RateLimiter, opts TranslatorOptions, logger zerolog.Logger) *ModelTranslator {
	return &ModelTranslator{provider: provider, cache: cache, limiter: limiter, opts: opts, logger: logger}
}

// Translate returns text in the target language. It is the identity when
// source and target match.
func (t *ModelTranslator) Translate(ctx context.Context, text string, source, target ports.Language) (string, error) {
	if source == target || strings.TrimSpace(text) == "" {
		return text, nil
	}
	if !target.Valid() {
		return "", fmt.Errorf("%w: unsupported target language %q", ports.ErrTranslationUnavailable, target)
	}

	key := translationKey(source, target, text)
	if cached, ok := t.cache.Get(ctx, key); ok {
		return string(cached), nil
	}

	release, err := t.limiter.Acquire(ctx, "translate")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ports.ErrTranslationUnavailable, err)
	}
	defer release()

	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	srcName, tgtName := source.Name(), target.Name()
	completion, err := t.provider.Complete(ctx, ports.PromptInput{
		System: fmt.Sprintf("You are a professional translator specializing in Nigerian languages. "+
			"Translate the following text from %s to %s. Provide only the translation, no explanations.", srcName, tgtName),
		Messages: []ports.PromptMessage{
			{Role: string(ports.RoleUser), Content: fmt.Sprintf("Translate this %s text to %s:\n\n%s", srcName, tgtName, text)},
		},
		Meta: map[string]string{"purpose": "translate"},
	}, ports.Options{
		MaxNewTokens: t.opts.MaxNewTokens,
		Temperature:  t.opts.Temperature,
	})
	if err != nil {
		t.logger.Warn().Err(err).Str("source", string(source)).Str("target", string(target)).Msg("translation failed")
		return "", fmt.Errorf("%w: %w", ports.ErrTranslationUnavailable, err)
	}

	out := strings.TrimSpace(completion.Text)
	if out == "" {
		return "", fmt.Errorf("%w: empty translation response", ports.ErrTranslationUnavailable)
	}

	if err := t.cache.Set(ctx, key, []byte(out), t.opts.CacheTTL); err != nil {
		t.logger.Debug().Err(err).Msg("failed to cache translation")
	}
	return out, nil
}

func translationKey(source, target ports.Language, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "tr:" + string(source) + ":" + string(target) + ":" + hex.EncodeToString(sum[:])
}

var _ ports.Translator = (*ModelTranslator)(nil)
