package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/adapters"
	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

func newTestTranslator(p ports.Provider) *ModelTranslator {
	return NewModelTranslator(p, adapters.NewLRUCache(16), &noOpRateLimiter{}, TranslatorOptions{Temperature: 0.3, MaxNewTokens: 512, CacheTTL: 60}, zerolog.Nop())
}

func TestTranslator_IdentityForSameLanguage(t *testing.T) {
	p := &mockProvider{}
	out, err := newTestTranslator(p).Translate(context.Background(), "Sannu", ports.LanguageHausa, ports.LanguageHausa)

	require.NoError(t, err)
	assert.Equal(t, "Sannu", out)
	p.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestTranslator_UsesPromptAndCaches(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.MatchedBy(func(in ports.PromptInput) bool {
		return len(in.Messages) == 1 &&
			in.Messages[0].Content == "Translate this English text to Yoruba:\n\nGood morning" &&
			assert.ObjectsAreEqual("You are a professional translator specializing in Nigerian languages. Translate the following text from English to Yoruba. Provide only the translation, no explanations.", in.System)
	}), ports.Options{MaxNewTokens: 512, Temperature: 0.3}).Return(ports.Completion{Text: "  Ẹ kú àárọ̀ \n"}, nil).Once()

	tr := newTestTranslator(p)
	first, err := tr.Translate(context.Background(), "Good morning", ports.LanguageEnglish, ports.LanguageYoruba)
	require.NoError(t, err)
	second, err := tr.Translate(context.Background(), "Good morning", ports.LanguageEnglish, ports.LanguageYoruba)
	require.NoError(t, err)

	assert.Equal(t, "Ẹ kú àárọ̀", first)
	assert.Equal(t, first, second)
	p.AssertNumberOfCalls(t, "Complete", 1)
}

func TestTranslator_Unavailable(t *testing.T) {
	p := &mockProvider{}
	p.onComplete().Return(ports.Completion{}, errors.New("connection refused")).Once()
	p.onComplete().Return(ports.Completion{Text: "   "}, nil).Once()
	tr := newTestTranslator(p)

	_, err := tr.Translate(context.Background(), "Hello", ports.LanguageEnglish, ports.LanguageIgbo)
	assert.ErrorIs(t, err, ports.ErrTranslationUnavailable)

	_, err = tr.Translate(context.Background(), "Hello", ports.LanguageEnglish, ports.LanguageIgbo)
	assert.ErrorIs(t, err, ports.ErrTranslationUnavailable, "empty output is unavailable")
}

func TestTranslationKeyIncludesPair(t *testing.T) {
	a := translationKey(ports.LanguageEnglish, ports.LanguageHausa, "hi")
	b := translationKey(ports.LanguageEnglish, ports.LanguageIgbo, "hi")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, translationKey(ports.LanguageEnglish, ports.LanguageHausa, "hi"))
}
